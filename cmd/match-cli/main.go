package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	appcfg "github.com/park285/certbattle-match/internal/config"
	"github.com/park285/certbattle-match/internal/matchapi"
	"github.com/park285/certbattle-match/internal/matchlog"
	"github.com/park285/certbattle-match/internal/msgcat"
	"github.com/park285/certbattle-match/internal/obslog"
	"github.com/park285/certbattle-match/internal/orchestrator"
	"github.com/park285/certbattle-match/internal/roombrowser"
	"github.com/park285/certbattle-match/pkg/matchdto"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}

	cat, err := msgcat.New(cfg.MessageOverrideDir)
	if err != nil {
		log.Fatalf("message catalog error: %v", err)
	}

	headers := func() map[string]string {
		h := map[string]string{}
		if cfg.XUserID != "" {
			h["X-User-Id"] = cfg.XUserID
		}
		if cfg.XUserEmail != "" {
			h["X-User-Email"] = cfg.XUserEmail
		}
		if cfg.XSessionID != "" {
			h["X-Session-Id"] = cfg.XSessionID
		}
		return h
	}

	client := matchapi.NewClient(cfg.APIBaseURL, matchapi.WithHeaderProvider(headers))

	orc := orchestrator.New(client, func(hctx matchdto.HandoffContext) {
		fmt.Printf("entering room %d (%s/%s)\n", hctx.RoomID, hctx.Mode, hctx.ExamMode)
	}, orchestrator.Options{
		PollInterval: cfg.PollInterval,
		MatchedDwell: cfg.MatchedDwell,
		PollBudget:   cfg.PollBudget,
	})
	orc.OnEvent(func(ev orchestrator.Event) { printEvent(cat, ev) })

	// Redis-backed handle persistence enables `resume` after a restart
	if cfg.RedisURL != "" {
		ropts, rerr := redis.ParseURL(cfg.RedisURL)
		if rerr != nil {
			log.Fatalf("redis url error: %v", rerr)
		}
		orc.AttachStore(orchestrator.NewStore(redis.NewClient(ropts)), cfg.XSessionID)
	}

	var repo *matchlog.Repository
	if cfg.DatabaseURL != "" {
		repo, err = matchlog.NewRepository(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("match log init error: %v", err)
		}
		orc.AttachRecorder(repo)
	}

	browser := roombrowser.New(client, orc)
	orc.OnStaleRoom(browser.DropRoom)

	// push hints are a nudge only; polling remains authoritative
	var stopHints context.CancelFunc
	if cfg.APIWSURL != "" {
		notifier := matchapi.NewNotifier(cfg.APIWSURL, 5, time.Second)
		notifier.SetHeaderProvider(headers)
		browser.BindHints(notifier)
		notifier.OnMatchResolved(func(matchapi.Hint) { orc.Nudge() })
		nctx, cancel := context.WithCancel(context.Background())
		stopHints = cancel
		go func() {
			if err := notifier.Run(nctx); err != nil && nctx.Err() == nil {
				log.Printf("hint stream stopped: %v", err)
			}
		}()
	}

	fmt.Println(helpText())
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		if cmd == "quit" || cmd == "exit" {
			break
		}
		handleCommand(cat, orc, browser, repo, cmd, args)
	}

	orc.Cancel()
	if stopHints != nil {
		stopHints()
	}
	if repo != nil {
		_ = repo.Close()
	}
}

func handleCommand(cat *msgcat.Catalog, orc *orchestrator.Orchestrator, browser *roombrowser.Browser, repo *matchlog.Repository, cmd string, args []string) {
	ctx := context.Background()

	switch cmd {
	case "help":
		fmt.Println(helpText())
	case "match":
		intent, err := parseIntent(args)
		if err != nil {
			fmt.Println("usage: match <duel|tournament|golden_bell|bot> <written|practical> <certID> [topicID] [difficulty]")
			return
		}
		if err := orc.Start(intent); err != nil {
			fmt.Println("match error:", err)
		}
	case "cancel":
		orc.Cancel()
		fmt.Println("cancelled")
	case "resume":
		switch err := orc.Resume(ctx); err {
		case nil:
		case orchestrator.ErrNothingToResume:
			fmt.Println("nothing to resume")
		default:
			fmt.Println("resume error:", err)
		}
	case "status":
		fmt.Println("state:", orc.State())
	case "rooms":
		mode := matchdto.ModeTournament
		filter := ""
		if len(args) >= 1 {
			mode = matchdto.ParseGameMode(args[0])
			if mode == "" {
				fmt.Println("unknown mode:", args[0])
				return
			}
		}
		if len(args) >= 2 {
			filter = args[1]
		}
		if err := browser.Refresh(ctx, mode, filter); err != nil {
			fmt.Println("rooms error:", matchdto.MessageOf(err))
			return
		}
		printRooms(cat, browser.Entries())
	case "join":
		if len(args) < 1 {
			fmt.Println("usage: join <roomID>")
			return
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fmt.Println("invalid room id")
			return
		}
		if err := browser.Join(ctx, id); err != nil {
			printJoinError(cat, err)
		}
	case "create":
		if len(args) < 3 {
			fmt.Println("usage: create <mode> <written|practical> <RFC3339 time>")
			return
		}
		mode := matchdto.ParseGameMode(args[0])
		if mode == "" {
			fmt.Println("unknown mode:", args[0])
			return
		}
		at, err := time.Parse(time.RFC3339, args[2])
		if err != nil {
			fmt.Println("invalid schedule, want RFC3339 like 2026-03-01T12:00:00Z")
			return
		}
		room, err := browser.CreateScheduled(ctx, matchapi.CreateRoomSpec{
			Mode:        mode,
			ExamMode:    matchdto.ExamMode(args[1]),
			ScheduledAt: &at,
		})
		if err != nil {
			fmt.Println("create error:", matchdto.MessageOf(err))
			return
		}
		say(cat, "rooms.created", map[string]any{"RoomID": room.RoomID, "ScheduledAt": at.Format(time.RFC3339)})
	case "history":
		if repo == nil {
			fmt.Println("no match log configured (set DATABASE_URL)")
			return
		}
		limit := 10
		if len(args) >= 1 {
			if n, err := strconv.Atoi(args[0]); err == nil && n > 0 {
				limit = n
			}
		}
		outcomes, err := repo.Recent(ctx, limit)
		if err != nil {
			fmt.Println("history error:", err)
			return
		}
		for _, o := range outcomes {
			fmt.Printf("%s  room=%d  %s  %s\n", o.FinishedAt.Format(time.RFC3339), o.RoomID, o.Mode, o.Result)
		}
	default:
		fmt.Println("unknown command, try 'help'")
	}
}

func parseIntent(args []string) (matchdto.MatchIntent, error) {
	var intent matchdto.MatchIntent
	if len(args) < 3 {
		return intent, fmt.Errorf("mode, exam mode and cert id are required")
	}
	mode := matchdto.ParseGameMode(args[0])
	if mode == "" {
		return intent, fmt.Errorf("unknown mode %q", args[0])
	}
	certID, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil || certID <= 0 {
		return intent, fmt.Errorf("invalid cert id %q", args[2])
	}
	intent.Mode = mode
	intent.ExamMode = matchdto.ExamMode(args[1])
	intent.CertID = certID
	if len(args) >= 4 {
		if n, err := strconv.ParseInt(args[3], 10, 64); err == nil {
			intent.TopicID = n
		}
	}
	if len(args) >= 5 {
		if n, err := strconv.Atoi(args[4]); err == nil {
			intent.Difficulty = n
		}
	}
	if !intent.Valid() {
		return intent, fmt.Errorf("incomplete intent")
	}
	return intent, nil
}

func printEvent(cat *msgcat.Catalog, ev orchestrator.Event) {
	switch ev.State {
	case orchestrator.StateRequesting:
		say(cat, "match.requesting", nil)
	case orchestrator.StatePolling:
		say(cat, "match.waiting", map[string]any{"WaitingCount": ev.WaitingCount})
	case orchestrator.StateMatched:
		say(cat, "match.found", nil)
	case orchestrator.StateExpired:
		say(cat, "match.expired", nil)
	case orchestrator.StateError:
		reason := matchdto.MessageOf(ev.Err)
		if reason == "" && ev.Err != nil {
			reason = ev.Err.Error()
		}
		say(cat, "match.error", map[string]any{"Reason": reason})
	}
}

func printJoinError(cat *msgcat.Catalog, err error) {
	switch matchdto.ClassOf(err) {
	case matchdto.ClassEligibility:
		say(cat, "join.not_open", nil)
	case matchdto.ClassNotFound:
		say(cat, "join.room_gone", nil)
	case matchdto.ClassAuth:
		say(cat, "join.session_expired", nil)
	default:
		say(cat, "join.error", map[string]any{"Reason": matchdto.MessageOf(err)})
	}
}

func printRooms(cat *msgcat.Catalog, entries []roombrowser.Entry) {
	if len(entries) == 0 {
		say(cat, "rooms.empty", nil)
		return
	}
	for _, e := range entries {
		sched := "now"
		if e.Room.ScheduledAt != nil {
			sched = e.Room.ScheduledAt.Format(time.RFC3339)
		}
		fmt.Printf("#%d  %-11s  %s/%s  %d/%d  %s\n",
			e.Room.RoomID, e.Display, e.Room.Mode, e.Room.ExamMode,
			e.Room.ParticipantCount, e.Room.Capacity, sched)
	}
}

func say(cat *msgcat.Catalog, key string, data any) {
	s, err := cat.Render(key, data)
	if err != nil {
		fmt.Println(key)
		return
	}
	fmt.Println(s)
}

func helpText() string {
	return strings.Join([]string{
		"certbattle match console",
		"",
		"  match <mode> <exam> <certID> [topicID] [difficulty]   request a match",
		"  cancel                                                cancel the current attempt",
		"  resume                                                pick up a persisted attempt",
		"  status                                                show orchestration state",
		"  rooms [mode] [filter]                                 list scheduled rooms",
		"  join <roomID>                                         join a listed room",
		"  create <mode> <exam> <RFC3339 time>                   schedule a room",
		"  history [n]                                           recent match outcomes",
		"  quit",
	}, "\n")
}
