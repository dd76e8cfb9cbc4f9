package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/park285/certbattle-match/internal/matchapi"
	"github.com/park285/certbattle-match/pkg/matchdto"
)

func main() {
	baseURL := os.Getenv("MATCH_API_BASE_URL")
	wsURL := os.Getenv("MATCH_API_WS_URL")
	userID := os.Getenv("X_USER_ID")
	userEmail := os.Getenv("X_USER_EMAIL")
	sessionID := os.Getenv("X_SESSION_ID")

	if baseURL == "" {
		log.Fatal("MATCH_API_BASE_URL is required")
	}

	headers := func() map[string]string {
		m := map[string]string{}
		if userID != "" {
			m["X-User-Id"] = userID
		}
		if userEmail != "" {
			m["X-User-Email"] = userEmail
		}
		if sessionID != "" {
			m["X-Session-Id"] = sessionID
		}
		return m
	}

	client := matchapi.NewClient(baseURL,
		matchapi.WithHeaderProvider(headers),
		matchapi.WithTimeout(8*time.Second),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	prof, err := client.MyProfile(ctx)
	if err != nil {
		log.Printf("/profile/me error (%s): %v", matchdto.ClassOf(err), err)
	} else {
		log.Printf("/profile/me ok: user=%d nickname=%s", prof.UserID, prof.Nickname)
	}

	rooms, err := client.ListRooms(ctx, matchdto.ModeTournament, "")
	if err != nil {
		log.Printf("/rooms error (%s): %v", matchdto.ClassOf(err), err)
	} else {
		log.Printf("/rooms ok: %d listed", len(rooms))
	}

	if wsURL == "" {
		log.Println("MATCH_API_WS_URL not set; skipping hint stream check")
		return
	}

	notifier := matchapi.NewNotifier(wsURL, 5, time.Second)
	notifier.SetHeaderProvider(headers)
	notifier.OnRoomsChanged(func(h matchapi.Hint) {
		fmt.Printf("hint rooms_changed mode=%s\n", h.Mode)
	})
	notifier.OnMatchResolved(func(h matchapi.Hint) {
		fmt.Printf("hint match_resolved room=%d\n", h.RoomID)
	})

	// Observe for a short window
	obsCtx, ocancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer ocancel()
	if err := notifier.Run(obsCtx); err != nil && obsCtx.Err() == nil {
		log.Printf("hint stream error: %v", err)
	}
}
