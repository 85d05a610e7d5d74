package gameserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/botherd/botherd/internal/events"
	"github.com/botherd/botherd/internal/types"
)

// SpawnFormatter renders the spawn command for a request. Leaving it unset
// uses the default summon command with a custom-name tag.
type SpawnFormatter func(req SpawnRequest) string

// SpawnRequest describes an entity to materialize in the game world.
type SpawnRequest struct {
	ID         string
	EntityType string
	Position   types.Position
	Appearance string
	Format     SpawnFormatter
}

func defaultSpawnCommand(req SpawnRequest) string {
	return fmt.Sprintf(`summon %s %.1f %.1f %.1f {CustomName:'"%s"',CustomNameVisible:1}`,
		req.EntityType, req.Position.X, req.Position.Y, req.Position.Z, req.ID)
}

// SpawnedEvent is the payload of an entity-spawned signal.
type SpawnedEvent struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entityType"`
	Position   types.Position `json:"position"`
}

// SpawnEntity issues the spawn command and, when an appearance is set,
// schedules the follow-up appearance command after the configured delay.
func (a *Adapter) SpawnEntity(ctx context.Context, req SpawnRequest) error {
	if req.ID == "" {
		return errors.New("gameserver: spawn requires an entity id")
	}
	if req.EntityType == "" {
		return errors.New("gameserver: spawn requires an entity type")
	}
	format := req.Format
	if format == nil {
		format = defaultSpawnCommand
	}
	if _, err := a.SendCommand(ctx, format(req)); err != nil {
		return fmt.Errorf("spawn %s: %w", req.ID, err)
	}

	if req.Appearance != "" {
		appearance := fmt.Sprintf("%s appearance %s %s", a.cfg.CommandPrefix, req.ID, req.Appearance)
		time.AfterFunc(a.cfg.AppearanceDelay, func() {
			actx, cancel := context.WithTimeout(context.Background(), 2*a.cfg.CommandTimeout)
			defer cancel()
			if _, err := a.SendCommand(actx, appearance); err != nil {
				a.logger.Warn("appearance command failed", "id", req.ID, "error", err)
			}
		})
	}

	a.emit(events.TypeEntitySpawned, SpawnedEvent{ID: req.ID, EntityType: req.EntityType, Position: req.Position})
	return nil
}

// RemoveEntity despawns an entity from the game world.
func (a *Adapter) RemoveEntity(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("gameserver: remove requires an entity id")
	}
	if _, err := a.SendCommand(ctx, fmt.Sprintf("%s remove %s", a.cfg.CommandPrefix, id)); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

// MoveEntity nudges an entity by a relative delta.
func (a *Adapter) MoveEntity(ctx context.Context, id string, delta types.Position) error {
	if id == "" {
		return errors.New("gameserver: move requires an entity id")
	}
	command := fmt.Sprintf("%s move %s %.2f %.2f %.2f", a.cfg.CommandPrefix, id, delta.X, delta.Y, delta.Z)
	if _, err := a.SendCommand(ctx, command); err != nil {
		return fmt.Errorf("move %s: %w", id, err)
	}
	return nil
}

// scanLine matches one entity line of a scan response:
// "zombie_03 (zombie) 12.4m hostile".
var scanLine = regexp.MustCompile(`(?m)^\s*[-*]?\s*([A-Za-z0-9_:-]+)\s+\(([A-Za-z0-9_:-]+)\)\s+([0-9]+(?:\.[0-9]+)?)m?\b(.*)$`)

// ScanArea asks the server what surrounds an entity and parses the listed
// neighbors. The raw response is kept alongside the parsed entities.
func (a *Adapter) ScanArea(ctx context.Context, id string, radius float64) (types.ScanResult, error) {
	if id == "" {
		return types.ScanResult{}, errors.New("gameserver: scan requires an entity id")
	}
	command := fmt.Sprintf("%s scan %s %.0f", a.cfg.CommandPrefix, id, radius)
	resp, err := a.SendCommand(ctx, command)
	if err != nil {
		return types.ScanResult{}, fmt.Errorf("scan %s: %w", id, err)
	}
	return parseScan(resp, radius), nil
}

func parseScan(raw string, radius float64) types.ScanResult {
	res := types.ScanResult{At: time.Now(), Radius: radius, Raw: raw}
	for _, m := range scanLine.FindAllStringSubmatch(raw, -1) {
		dist, err := strconv.ParseFloat(m[3], 64)
		if err != nil {
			continue
		}
		res.Entities = append(res.Entities, types.ScannedEntity{
			ID:       NormalizeEntityID(m[1]),
			Type:     strings.ToLower(m[2]),
			Distance: dist,
			Hostile:  strings.Contains(strings.ToLower(m[4]), "hostile"),
		})
	}
	return res
}

// taskPayload is the JSON body sent after the command prefix.
type taskPayload struct {
	Bot string `json:"bot"`
	types.Task
}

// taskResponse is the structured acknowledgement some servers return. Any
// populated field is routed through the feedback parser.
type taskResponse struct {
	Feedback string `json:"feedback"`
	Message  string `json:"message"`
	Log      string `json:"log"`
	Output   string `json:"output"`
}

// DispatchTask hands a task to an entity's game-side controller as
// "<prefix> <json>" and returns the server's acknowledgement. Structured
// responses have their feedback fields fed to the parser.
func (a *Adapter) DispatchTask(ctx context.Context, botID string, task types.Task) (string, error) {
	if botID == "" {
		return "", errors.New("gameserver: task requires a bot id")
	}
	if task.Action == "" {
		return "", errors.New("gameserver: task requires an action")
	}
	body, err := json.Marshal(taskPayload{Bot: botID, Task: task})
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}

	resp, err := a.SendCommand(ctx, a.cfg.CommandPrefix+" "+string(body))
	if err != nil {
		return "", err
	}
	a.ingestTaskResponse(resp)
	return resp, nil
}

// ingestTaskResponse extracts the feedback fields from a JSON task response
// and runs them through the parser. Plain-text responses already went
// through it on the command path.
func (a *Adapter) ingestTaskResponse(resp string) {
	trimmed := strings.TrimSpace(resp)
	if !strings.HasPrefix(trimmed, "{") {
		return
	}
	var tr taskResponse
	if err := json.Unmarshal([]byte(trimmed), &tr); err != nil {
		a.logger.Debug("task response is not structured", "error", err)
		return
	}
	for _, text := range []string{tr.Feedback, tr.Message, tr.Log, tr.Output} {
		if text != "" {
			a.IngestFeedback(text)
		}
	}
}
