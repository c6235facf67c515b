package rpc

import (
	"encoding/gob"
	"fmt"
	"net"
	"net/rpc"

	"github.com/wfunc/gamesync/logger"
	"github.com/wfunc/gamesync/models"
	"github.com/wfunc/gamesync/room"
	"github.com/wfunc/gamesync/services"
)

func init() {
	// net/rpc encodes with gob; container types carried inside
	// interface{} fields have to be registered up front.
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
}

// Server manages the RPC listener.
type Server struct {
	listener net.Listener
	address  string
}

// NewServer creates a new RPC server.
func NewServer(addr string) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		listener: listener,
		address:  addr,
	}, nil
}

// Start begins listening for RPC requests.
func (s *Server) Start() {
	logger.Log.Infof("RPC server listening on %s", s.address)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			// Check if the error is due to the listener being closed.
			if _, ok := err.(*net.OpError); ok {
				logger.Log.Info("RPC server listener closed.")
				return
			}
			logger.Log.Errorf("RPC server accept error: %v", err)
			continue
		}
		go rpc.ServeConn(conn)
	}
}

// Stop closes the RPC listener.
func (s *Server) Stop() {
	if s.listener != nil {
		logger.Log.Info("Stopping RPC server.")
		s.listener.Close()
	}
}

// GameService is the struct that exposes RPC methods.
type GameService struct {
	playerService *services.PlayerService
	matchService  *services.MatchService
	roomManager   *room.Manager
}

// NewGameService creates a new GameService.
func NewGameService(ps *services.PlayerService, ms *services.MatchService, rooms *room.Manager) *GameService {
	return &GameService{
		playerService: ps,
		matchService:  ms,
		roomManager:   rooms,
	}
}

// All methods follow the net/rpc signature: exported method, exported
// arguments, second argument is a pointer, return type is error.

type GetPlayerArgs struct {
	PlayerID string
}

type GetPlayerReply struct {
	Player *models.PlayerData
	Stats  *models.PlayerStats
}

// GetPlayerWithStats returns a player profile together with aggregated stats.
func (gs *GameService) GetPlayerWithStats(args *GetPlayerArgs, reply *GetPlayerReply) error {
	data, err := gs.playerService.GetPlayerWithStats(args.PlayerID)
	if err != nil {
		return err
	}
	if player, ok := data["player"].(*models.PlayerData); ok {
		reply.Player = player
	}
	if stats, ok := data["stats"].(*models.PlayerStats); ok {
		reply.Stats = stats
	}
	return nil
}

type MatchHistoryArgs struct {
	PlayerID string
	Limit    int
}

type MatchHistoryReply struct {
	Records []*models.MatchRecord
}

// GetMatchHistory returns the most recent matches of a player.
func (gs *GameService) GetMatchHistory(args *MatchHistoryArgs, reply *MatchHistoryReply) error {
	records, err := gs.matchService.History(args.PlayerID, args.Limit)
	if err != nil {
		return err
	}
	reply.Records = records
	return nil
}

type RoomDiagnosticsArgs struct {
	RoomID string
}

type RoomDiagnosticsReply struct {
	Diagnostics models.RoomDiagnostics
}

// GetRoomDiagnostics returns the live state of a single room.
func (gs *GameService) GetRoomDiagnostics(args *RoomDiagnosticsArgs, reply *RoomDiagnosticsReply) error {
	r, exists := gs.roomManager.GetRoom(args.RoomID)
	if !exists {
		return fmt.Errorf("room %s not found", args.RoomID)
	}
	reply.Diagnostics = r.Diagnostics()
	return nil
}

type ListRoomsArgs struct{}

type ListRoomsReply struct {
	Rooms []models.RoomDiagnostics
}

// ListRooms returns diagnostics for every active room.
func (gs *GameService) ListRooms(args *ListRoomsArgs, reply *ListRoomsReply) error {
	rooms := gs.roomManager.Rooms()
	reply.Rooms = make([]models.RoomDiagnostics, 0, len(rooms))
	for _, r := range rooms {
		reply.Rooms = append(reply.Rooms, r.Diagnostics())
	}
	return nil
}
