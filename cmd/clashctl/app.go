package main

import (
	"clash-session/config"
	"clash-session/core"
	"clash-session/rpcerr"
	"clash-session/store"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

// openFunc builds the session for one command run. Tests replace it.
type openFunc func(ctx context.Context, cmd *cli.Command) (*core.Session, error)

func newApp(out io.Writer, open openFunc) *cli.Command {
	if open == nil {
		open = openSession
	}
	a := &app{out: out, open: open}

	return &cli.Command{
		Name:      "clashctl",
		Usage:     "command-line client for the card game server",
		Writer:    out,
		ErrWriter: os.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env-file", Usage: "dotenv file to load", Value: ".env"},
			&cli.StringFlag{Name: "server", Usage: "game server WebSocket URL (overrides CLASH_SERVER_URL)"},
			&cli.StringFlag{Name: "lobby", Usage: "lobby HTTP base URL (overrides CLASH_LOBBY_URL)"},
			&cli.StringFlag{Name: "session-file", Usage: "where the session token is kept (overrides CLASH_SESSION_FILE)"},
			&cli.DurationFlag{Name: "timeout", Usage: "per-request timeout (overrides CLASH_REQUEST_TIMEOUT)"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "log at info level and below"},
		},
		Commands: []*cli.Command{
			{
				Name:      "login",
				Usage:     "log in with e-mail and password",
				ArgsUsage: "<gmail> <password>",
				Action:    a.login,
			},
			{
				Name:      "register",
				Usage:     "create an account and log in",
				ArgsUsage: "<gmail> <username> <password>",
				Action:    a.register,
			},
			{
				Name:   "logout",
				Usage:  "forget the stored session",
				Action: a.logout,
			},
			{
				Name:   "whoami",
				Usage:  "re-login with the stored session and print the user",
				Action: a.whoami,
			},
			{
				Name:   "cards",
				Usage:  "list owned cards",
				Action: a.cards,
			},
			{
				Name:   "deck",
				Usage:  "show the active deck",
				Action: a.deck,
			},
			{
				Name:      "swap",
				Usage:     "put a card into a deck slot (0-7)",
				ArgsUsage: "<card name> <slot>",
				Action:    a.swap,
			},
			{
				Name:  "lobby",
				Usage: "create, join, match or leave lobbies",
				Commands: []*cli.Command{
					{Name: "create", Usage: "open a private lobby", Flags: roomFlags(), Action: a.lobbyCreate},
					{Name: "join", ArgsUsage: "<lobby id>", Usage: "join a lobby by id", Flags: roomFlags(), Action: a.lobbyJoin},
					{Name: "match", Usage: "join matchmaking and wait for the match", Flags: roomFlags(), Action: a.lobbyMatch},
					{Name: "leave", ArgsUsage: "<lobby id>", Usage: "leave a lobby", Action: a.lobbyLeave},
				},
			},
			{
				Name:      "play",
				Usage:     "release the card in a hand slot (0-7) at x,y",
				ArgsUsage: "<slot> <x> <y>",
				Action:    a.play,
			},
		},
	}
}

func roomFlags() []cli.Flag {
	return []cli.Flag{&cli.StringFlag{Name: "type", Usage: "room type: 1v1 or 2v2", Value: "1v1"}}
}

func openSession(ctx context.Context, cmd *cli.Command) (*core.Session, error) {
	cfg, err := config.Load(cmd.String("env-file"))
	if err != nil {
		return nil, err
	}
	if cmd.IsSet("server") {
		cfg.ServerURL = cmd.String("server")
		cfg.EtcdEndpoints = nil
	}
	if cmd.IsSet("lobby") {
		cfg.LobbyURL = cmd.String("lobby")
	}
	if cmd.IsSet("session-file") {
		cfg.SessionFile = cmd.String("session-file")
	}
	if cmd.IsSet("timeout") {
		cfg.RequestTimeout = cmd.Duration("timeout")
	}

	logger, err := config.NewLogger(cfg.Env)
	if err != nil {
		return nil, err
	}
	if !cmd.Bool("verbose") {
		logger = logger.WithOptions(zap.IncreaseLevel(zap.WarnLevel))
	}
	return core.New(cfg, logger, core.Options{})
}

type app struct {
	out  io.Writer
	open openFunc
}

// session opens the core and, when resume is set, re-authenticates with the
// stored token.
func (a *app) session(ctx context.Context, cmd *cli.Command, resume bool) (*core.Session, error) {
	s, err := a.open(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !resume {
		return s, nil
	}
	if err := s.Auth.Resume(ctx); err != nil {
		s.Close()
		if errors.Is(err, rpcerr.ErrRemoteRejected) {
			return nil, fmt.Errorf("stored session rejected, log in again: %s", rpcerr.UserMessage(err))
		}
		return nil, fmt.Errorf("not logged in: %w", err)
	}
	return s, nil
}

func needArgs(cmd *cli.Command, n int) error {
	if cmd.Args().Len() != n {
		return fmt.Errorf("usage: %s %s", cmd.Name, cmd.ArgsUsage)
	}
	return nil
}

func (a *app) login(ctx context.Context, cmd *cli.Command) error {
	if err := needArgs(cmd, 2); err != nil {
		return err
	}
	s, err := a.session(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.Auth.Login(ctx, cmd.Args().Get(0), cmd.Args().Get(1)); err != nil {
		return errors.New(rpcerr.UserMessage(err))
	}
	fmt.Fprintf(a.out, "logged in as %s\n", s.Store.Snapshot().Auth.Username)
	return nil
}

func (a *app) register(ctx context.Context, cmd *cli.Command) error {
	if err := needArgs(cmd, 3); err != nil {
		return err
	}
	s, err := a.session(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer s.Close()
	args := cmd.Args()
	if err := s.Auth.Register(ctx, args.Get(0), args.Get(1), args.Get(2)); err != nil {
		return errors.New(rpcerr.UserMessage(err))
	}
	fmt.Fprintf(a.out, "registered and logged in as %s\n", s.Store.Snapshot().Auth.Username)
	return nil
}

func (a *app) logout(ctx context.Context, cmd *cli.Command) error {
	s, err := a.session(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.Auth.Logout(); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "logged out")
	return nil
}

func (a *app) whoami(ctx context.Context, cmd *cli.Command) error {
	s, err := a.session(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()
	fmt.Fprintln(a.out, s.Store.Snapshot().Auth.Username)
	return nil
}

func (a *app) cards(ctx context.Context, cmd *cli.Command) error {
	s, err := a.session(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()
	collection, err := s.Game.GetUserCards(ctx)
	if err != nil {
		return errors.New(rpcerr.UserMessage(err))
	}
	names := make([]string, 0, len(collection.Cards))
	for name := range collection.Cards {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		c := collection.Cards[name]
		fmt.Fprintf(a.out, "%-16s level %d  x%d\n", c.Name, c.Level, c.Count)
	}
	return nil
}

func (a *app) deck(ctx context.Context, cmd *cli.Command) error {
	s, err := a.session(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()
	deck, err := s.Game.GetUserDeck(ctx)
	if err != nil {
		return errors.New(rpcerr.UserMessage(err))
	}
	printDeck(a.out, deck)
	return nil
}

func (a *app) swap(ctx context.Context, cmd *cli.Command) error {
	if err := needArgs(cmd, 2); err != nil {
		return err
	}
	slot, err := strconv.Atoi(cmd.Args().Get(1))
	if err != nil || !store.ValidSlot(slot) {
		return store.ErrInvalidSlot
	}
	s, err := a.session(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()
	deck, err := s.Game.SwapCard(ctx, cmd.Args().Get(0), slot)
	if err != nil {
		return errors.New(rpcerr.UserMessage(err))
	}
	printDeck(a.out, deck)
	return nil
}

func (a *app) lobbyCreate(ctx context.Context, cmd *cli.Command) error {
	s, err := a.session(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()
	l, err := s.Lobby.Create(ctx, cmd.String("type"))
	if err != nil {
		return errors.New(rpcerr.UserMessage(err))
	}
	fmt.Fprintf(a.out, "lobby %s (%s) slot %d\n", l.ID, l.RoomType, l.Slot)
	return nil
}

func (a *app) lobbyJoin(ctx context.Context, cmd *cli.Command) error {
	if err := needArgs(cmd, 1); err != nil {
		return err
	}
	s, err := a.session(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()
	l, err := s.Lobby.Join(ctx, cmd.Args().Get(0), cmd.String("type"))
	if err != nil {
		return errors.New(rpcerr.UserMessage(err))
	}
	fmt.Fprintf(a.out, "joined lobby %s slot %d\n", l.ID, l.Slot)
	return a.waitForGame(ctx, s)
}

func (a *app) lobbyMatch(ctx context.Context, cmd *cli.Command) error {
	s, err := a.session(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()
	l, err := s.Lobby.Match(ctx, cmd.String("type"))
	if err != nil {
		return errors.New(rpcerr.UserMessage(err))
	}
	fmt.Fprintf(a.out, "searching in lobby %s slot %d\n", l.ID, l.Slot)
	return a.waitForGame(ctx, s)
}

func (a *app) lobbyLeave(ctx context.Context, cmd *cli.Command) error {
	if err := needArgs(cmd, 1); err != nil {
		return err
	}
	s, err := a.session(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.Lobby.Leave(ctx, cmd.Args().Get(0)); err != nil {
		return errors.New(rpcerr.UserMessage(err))
	}
	fmt.Fprintln(a.out, "left lobby")
	return nil
}

func (a *app) play(ctx context.Context, cmd *cli.Command) error {
	if err := needArgs(cmd, 3); err != nil {
		return err
	}
	var nums [3]int
	for i := range nums {
		n, err := strconv.Atoi(cmd.Args().Get(i))
		if err != nil {
			return fmt.Errorf("argument %d: %w", i+1, err)
		}
		nums[i] = n
	}
	s, err := a.session(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.Game.ReleaseCard(ctx, nums[0], nums[1], nums[2]); err != nil {
		return errors.New(rpcerr.UserMessage(err))
	}
	fmt.Fprintln(a.out, "card released")
	return nil
}

// waitForGame prints status changes until the player is idle again (match
// over or connection lost) or the user interrupts.
func (a *app) waitForGame(ctx context.Context, s *core.Session) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	changes := make(chan store.GameState, 16)
	unsubscribe := s.Store.Subscribe(func(st store.State) {
		select {
		case changes <- st.Game:
		default:
		}
	})
	defer unsubscribe()

	last := s.Store.Snapshot().Game.Status
	for {
		select {
		case <-ctx.Done():
			return nil
		case g := <-changes:
			if g.Status == last {
				continue
			}
			fmt.Fprintf(a.out, "%s %s\n", time.Now().Format(time.TimeOnly), g.Status)
			if g.Status == store.StatusIdle {
				return nil
			}
			last = g.Status
		}
	}
}

func printDeck(w io.Writer, deck store.Deck) {
	fmt.Fprintf(w, "king: %s  guard: %s (level %d)\n", deck.KingTower.Name, deck.GuardTower.Name, deck.GuardTower.Level)
	for _, slot := range deck.Slots {
		fmt.Fprintf(w, "  [%d] %-16s level %d\n", slot.Slot, slot.Name, slot.Level)
	}
}
