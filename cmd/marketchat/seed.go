package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"marketchat/internal/domain/auth"
	"marketchat/internal/domain/chat"
)

type seedFixtures struct {
	Profiles []struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
		AvatarPath  string `json:"avatar_path"`
	} `json:"profiles"`
	Listings []struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"listings"`
	Sessions []struct {
		UserID string   `json:"user_id"`
		Roles  []string `json:"roles"`
	} `json:"sessions"`
}

// loadSeed fills the memory backend with fixtures and issues a session per
// entry, logging the tokens for local use.
func (app *application) loadSeed(path string, logger *slog.Logger) error {
	if app.memory == nil {
		return errors.New("seed fixtures need memory storage")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fx seedFixtures
	if err := json.Unmarshal(raw, &fx); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	for _, p := range fx.Profiles {
		app.memory.PutProfile(chat.Profile{UserID: p.ID, DisplayName: p.DisplayName, AvatarPath: p.AvatarPath})
		if p.AvatarPath != "" {
			app.memory.PutObject(p.AvatarPath)
		}
	}
	for _, l := range fx.Listings {
		app.memory.PutListing(chat.ListingRef{ID: l.ID, Title: l.Title})
	}
	for _, s := range fx.Sessions {
		roles := make([]auth.Role, 0, len(s.Roles))
		for _, r := range s.Roles {
			roles = append(roles, auth.Role(r))
		}
		token := app.memory.IssueSession(s.UserID, roles...)
		logger.Info("seed session issued", "user_id", s.UserID, "token", token)
	}
	logger.Info("seed loaded", "profiles", len(fx.Profiles), "listings", len(fx.Listings), "sessions", len(fx.Sessions))
	return nil
}
