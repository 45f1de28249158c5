// workers/profile_sync_worker.go
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/orykevin/chef-pathbound/models"
)

// RemoteProfile matches the JSON returned by the profile service.
type RemoteProfile struct {
	ExternalID        string    `json:"external_id"`
	Username          string    `json:"username"`
	FirstName         *string   `json:"first_name,omitempty"`
	LastName          *string   `json:"last_name,omitempty"`
	ProfilePictureURL *string   `json:"profile_picture_url,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// DisplayName prefers the full name and falls back to the username.
func (p RemoteProfile) DisplayName() string {
	var parts []string
	for _, s := range []*string{p.FirstName, p.LastName} {
		if s != nil && strings.TrimSpace(*s) != "" {
			parts = append(parts, strings.TrimSpace(*s))
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, " ")
	}
	return p.Username
}

type profileChangesResponse struct {
	Users []RemoteProfile `json:"users"`
}

// ProfileSyncWorker mirrors display names from the profile service into players.
type ProfileSyncWorker struct {
	db           *gorm.DB
	interval     time.Duration
	baseURL      string
	endpointPath string
	serviceToken string
	httpClient   *http.Client
	log          zerolog.Logger
}

func NewProfileSyncWorker(db *gorm.DB, baseURL, serviceToken string, interval time.Duration, httpClient *http.Client, log zerolog.Logger) *ProfileSyncWorker {
	return &ProfileSyncWorker{
		db:           db,
		interval:     interval,
		baseURL:      baseURL,
		endpointPath: "/api/v1/public/profiles",
		serviceToken: serviceToken,
		httpClient:   httpClient,
		log:          log.With().Str("component", "profile_sync").Logger(),
	}
}

// Run backfills everything once, then syncs incrementally until ctx is cancelled.
func (w *ProfileSyncWorker) Run(ctx context.Context) error {
	w.log.Info().Str("base_url", w.baseURL).Msg("[SYNC] starting profile sync worker")
	if _, err := w.SyncBatch(ctx, time.Time{}); err != nil {
		w.log.Warn().Err(err).Msg("[SYNC] initial sync failed")
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := w.SyncBatch(ctx, w.lastSyncTime()); err != nil {
				w.log.Error().Err(err).Msg("[SYNC] sync batch failed")
			}
		case <-ctx.Done():
			w.log.Info().Msg("[SYNC] profile sync worker stopped")
			return nil
		}
	}
}

// lastSyncTime is the newest remote update already mirrored.
func (w *ProfileSyncWorker) lastSyncTime() time.Time {
	var latest []models.Player
	if err := w.db.Order("synced_at DESC").Limit(1).Find(&latest).Error; err != nil || len(latest) == 0 {
		return time.Unix(0, 0)
	}
	return latest[0].SyncedAt
}

// SyncBatch fetches profiles changed since and upserts them. It returns the number upserted.
func (w *ProfileSyncWorker) SyncBatch(ctx context.Context, since time.Time) (int, error) {
	base, err := url.Parse(w.baseURL)
	if err != nil {
		return 0, fmt.Errorf("invalid profile service URL %q: %w", w.baseURL, err)
	}
	endpoint := base.JoinPath(w.endpointPath)
	q := endpoint.Query()
	q.Set("since", since.UTC().Format(time.RFC3339))
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Service-Token", w.serviceToken)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("profile service request failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, fmt.Errorf("profile service returned %d: %s", resp.StatusCode, string(body))
	}

	var payload profileChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("failed to decode profile service response: %w", err)
	}
	if len(payload.Users) == 0 {
		w.log.Debug().Time("since", since).Msg("[SYNC] no profile changes")
		return 0, nil
	}

	var upserted int
	for _, remote := range payload.Users {
		if remote.ExternalID == "" {
			continue
		}
		p := models.Player{
			ID:             uuid.NewString(),
			ExternalUserID: remote.ExternalID,
			DisplayName:    remote.DisplayName(),
			AvatarURL:      remote.ProfilePictureURL,
			SyncedAt:       remote.UpdatedAt.UTC(),
		}
		if err := w.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"display_name", "avatar_url", "synced_at", "updated_at"}),
		}).Create(&p).Error; err != nil {
			w.log.Warn().Err(err).Str("external_id", remote.ExternalID).Msg("[SYNC] failed to upsert player")
			continue
		}
		upserted++
	}

	w.log.Info().Int("received", len(payload.Users)).Int("upserted", upserted).Msg("[SYNC] profiles synced")
	return upserted, nil
}
