// client/main.go
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/wfunc/gamesync/games"
	"github.com/wfunc/gamesync/logger"
	"github.com/wfunc/gamesync/network"
	"github.com/wfunc/gamesync/orchestrator"
)

var cli struct {
	Addr   string `help:"WebSocket address of the game server." default:"ws://localhost:8080/ws"`
	Player string `help:"Player ID to present to the server." required:""`
	Name   string `help:"Display name shown to other players."`
	Game   string `help:"Game kind to play." default:"tictactoe"`
	Room   string `help:"Room ID to join. Empty asks the server for matchmaking."`
	Create bool   `help:"Create a new room instead of joining one."`
}

const heartbeatInterval = 30 * time.Second

func main() {
	kong.Parse(&cli,
		kong.Name("gamesync-client"),
		kong.Description("Interactive client for the gamesync server."),
	)
	logger.Init()
	defer logger.Sync()

	if _, ok := games.Resolve(cli.Game); !ok {
		logger.Log.Fatalf("Unknown game %q, pick one of: %s", cli.Game, strings.Join(games.Kinds(), ", "))
	}

	conn, err := network.Dial(cli.Addr)
	if err != nil {
		logger.Log.Fatalf("Failed to connect to %s: %v", cli.Addr, err)
	}
	defer conn.Close()
	logger.Log.Infof("Connected to %s as %s", cli.Addr, cli.Player)

	orch := orchestrator.NewOrchestrator(cli.Player, conn, games.Resolve, orchestrator.Options{
		PlayerName: cli.Name,
	})
	defer orch.Close()

	done := make(chan struct{})

	// 读循环, 所有入站事件交给编排器
	go func() {
		defer close(done)
		for {
			packet, err := conn.ReadPacket()
			if err != nil {
				logger.Log.Infof("Connection closed: %v", err)
				return
			}
			orch.HandleMessage(packet.MsgID, packet.Data)
			printEvent(orch, packet.MsgID)
		}
	}()

	// 心跳
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.Send(network.MsgTypeHeartbeat, nil); err != nil {
					return
				}
			}
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		fmt.Println()
		conn.Close()
		os.Exit(0)
	}()

	// 进房
	switch {
	case cli.Create:
		err = orch.CreateRoom(cli.Game, fmt.Sprintf("%s's room", cli.Player), 0)
	case cli.Room != "":
		err = orch.JoinRoom(cli.Room)
	default:
		err = orch.JoinGame(cli.Game)
	}
	if err != nil {
		logger.Log.Fatalf("Failed to enter a room: %v", err)
	}

	fmt.Println(`Commands: move <kind> <payload-json> | state | leave | quit`)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !runCommand(orch, line) {
			return
		}
	}
}

// runCommand 处理一条交互命令, 返回 false 表示退出
func runCommand(orch *orchestrator.Orchestrator, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "move":
		if len(fields) < 3 {
			fmt.Println(`usage: move <kind> <payload-json>, e.g. move place {"pos":4}`)
			return true
		}
		payload := strings.Join(fields[2:], " ")
		if !json.Valid([]byte(payload)) {
			fmt.Println("payload is not valid JSON")
			return true
		}
		if err := orch.MakeMove(fields[1], json.RawMessage(payload)); err != nil {
			fmt.Printf("move rejected: %v\n", err)
		}
	case "state":
		printState(orch)
	case "leave":
		if err := orch.LeaveRoom(); err != nil {
			fmt.Printf("leave failed: %v\n", err)
		}
	case "quit", "exit":
		return false
	default:
		fmt.Printf("unknown command %q\n", fields[0])
	}
	return true
}

// printState 输出本地状态概要
func printState(orch *orchestrator.Orchestrator) {
	st := orch.State()
	if st == nil {
		fmt.Println("no game state yet")
		return
	}
	fmt.Printf("room=%s game=%s status=%s version=%d current=%s players=%s\n",
		st.RoomID, st.GameKind, st.Status, st.Version, st.CurrentPlayerID, strings.Join(st.Players, ","))
	fmt.Printf("board: %s\n", string(st.Board))
}

// printEvent 把关键事件摘要打到终端, 高频事件不刷屏
func printEvent(orch *orchestrator.Orchestrator, msgID uint16) {
	switch msgID {
	case network.MsgTypeRoomJoined:
		fmt.Printf("joined room %s\n", orch.RoomID())
	case network.MsgTypeGameStart:
		fmt.Println("game started")
		printState(orch)
	case network.MsgTypeGameEnd:
		fmt.Println("game over")
		printState(orch)
	}
}
