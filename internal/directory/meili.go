package directory

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/sirupsen/logrus"

	"poruka/api/internal/model"
)

const idxProfiles = "poruka_profiles"

// Suggestion is a search hit for the add-friend box. Email addresses are
// searchable but never returned.
type Suggestion struct {
	ID        string `json:"id"`
	Handle    string `json:"handle"`
	AvatarRef string `json:"avatarRef"`
}

type profileRecord struct {
	ID        string `json:"id"`
	Handle    string `json:"handle"`
	Email     string `json:"email"`
	AvatarRef string `json:"avatarRef"`
}

// Meili indexes profiles in Meilisearch for suggestions.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the profile index.
// An unreachable server is tolerated; a background loop keeps checking.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		logrus.WithError(err).WithField("url", url).Warn("directory: meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxProfiles,
		PrimaryKey: "id",
	}); err != nil {
		logrus.WithError(err).Debug("directory: create profile index (may already exist)")
	}

	searchable := []string{"handle", "email"}
	if _, err := m.client.Index(idxProfiles).UpdateSearchableAttributes(&searchable); err != nil {
		logrus.WithError(err).Warn("directory: update searchable attributes")
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				logrus.Info("directory: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) IndexProfile(p model.UserProfile) error {
	_, err := m.client.Index(idxProfiles).AddDocuments([]profileRecord{{
		ID:        p.ID,
		Handle:    p.Handle,
		Email:     p.Email,
		AvatarRef: p.AvatarRef,
	}}, nil)
	return err
}

// IndexProfiles bulk-indexes profiles, used by reindexing.
func (m *Meili) IndexProfiles(profiles []model.UserProfile) error {
	if len(profiles) == 0 {
		return nil
	}
	records := make([]profileRecord, len(profiles))
	for i, p := range profiles {
		records[i] = profileRecord{ID: p.ID, Handle: p.Handle, Email: p.Email, AvatarRef: p.AvatarRef}
	}
	_, err := m.client.Index(idxProfiles).AddDocuments(records, nil)
	return err
}

func (m *Meili) Search(query string, limit int) ([]Suggestion, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	if limit <= 0 {
		limit = 10
	}

	resp, err := m.client.Index(idxProfiles).Search(query, &meili.SearchRequest{
		Limit:                int64(limit),
		AttributesToRetrieve: []string{"id", "handle", "avatarRef"},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}

	suggestions := make([]Suggestion, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		suggestion := hitToSuggestion(hit)
		if suggestion.ID == "" {
			continue
		}
		suggestions = append(suggestions, suggestion)
	}
	return suggestions, nil
}

func hitToSuggestion(hit meili.Hit) Suggestion {
	return Suggestion{
		ID:        decodeString(hit, "id"),
		Handle:    strings.TrimSpace(decodeString(hit, "handle")),
		AvatarRef: decodeString(hit, "avatarRef"),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}
