package manager

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/loykin/scriptd/internal/store"
)

// ScriptInput is the caller-supplied part of a new script.
type ScriptInput struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Content     string   `json:"content"`
	Tags        []string `json:"tags"`
}

// ScriptPatch updates only the fields that are set.
type ScriptPatch struct {
	Name        *string   `json:"name"`
	Description *string   `json:"description"`
	Content     *string   `json:"content"`
	Tags        *[]string `json:"tags"`
}

func (m *Manager) CreateScript(ctx context.Context, in ScriptInput) (store.Script, error) {
	now := m.now().UTC()
	sc := store.Script{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		Content:     in.Content,
		Tags:        store.NormalizeTags(in.Tags),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := sc.Validate(); err != nil {
		return store.Script{}, err
	}
	if err := m.st.CreateScript(ctx, sc); err != nil {
		return store.Script{}, err
	}
	m.log.Info("Script created", "script_id", sc.ID, "script", sc.Name)
	return sc, nil
}

func (m *Manager) GetScript(ctx context.Context, id string) (store.Script, error) {
	return m.st.GetScript(ctx, id)
}

func (m *Manager) UpdateScript(ctx context.Context, id string, p ScriptPatch) (store.Script, error) {
	sc, err := m.st.GetScript(ctx, id)
	if err != nil {
		return store.Script{}, err
	}
	if p.Name != nil {
		sc.Name = strings.TrimSpace(*p.Name)
	}
	if p.Description != nil {
		sc.Description = *p.Description
	}
	if p.Content != nil {
		sc.Content = *p.Content
	}
	if p.Tags != nil {
		sc.Tags = store.NormalizeTags(*p.Tags)
	}
	sc.UpdatedAt = m.now().UTC()
	if err := sc.Validate(); err != nil {
		return store.Script{}, err
	}
	if err := m.st.UpdateScript(ctx, sc); err != nil {
		return store.Script{}, err
	}
	return sc, nil
}

// DeleteScript removes the definition. Past executions keep their records and
// their script name snapshot.
func (m *Manager) DeleteScript(ctx context.Context, id string) error {
	if err := m.st.DeleteScript(ctx, id); err != nil {
		return err
	}
	m.log.Info("Script deleted", "script_id", id)
	return nil
}

func (m *Manager) ListScripts(ctx context.Context, f store.ScriptFilter) ([]store.Script, error) {
	return m.st.ListScripts(ctx, f)
}
