// Package console holds the presentation logic behind the dashboard's
// instance grid. Everything here is a pure function of instance state so
// the front end and the tests share one source of truth.
package console

import (
	"fmt"
	"strings"
	"time"

	"github.com/junovale/clusterdash/internal/models"
)

// Tile palette. One color per readiness bucket.
const (
	ColorReady    = "#66aa33" // worker fully up
	ColorStartup  = "#ffcc33" // bootstrapping
	ColorPending  = "#aaaaaa" // cloud has not started it yet
	ColorStopping = "#ff8833" // shutting down
	ColorError    = "#cc3333" // broken
	ColorDead     = "#555555" // terminated
)

// TileColor maps an instance's state fields to its tile color. Cloud
// lifecycle trumps the worker's self-reported status: a terminated
// instance is dead no matter what it last said about itself.
func TileColor(m *models.Instance) string {
	switch m.State {
	case models.StateTerminated:
		return ColorDead
	case models.StateShuttingDown:
		return ColorStopping
	case models.StateError:
		return ColorError
	case models.StatePending:
		return ColorPending
	}
	switch m.WorkerStatus {
	case models.WorkerReady:
		return ColorReady
	case models.WorkerError:
		return ColorError
	case models.WorkerStopping:
		return ColorStopping
	case models.WorkerStartup, models.WorkerWake:
		return ColorStartup
	default:
		return ColorPending
	}
}

// Tooltip renders the hover text for one instance.
func Tooltip(m *models.Instance, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Instance: %s\n", m.ID)
	fmt.Fprintf(&b, "State: %s / %s\n", m.State, m.WorkerStatus)
	fmt.Fprintf(&b, "Time in state: %ss\n", m.TimeInState(now))
	fmt.Fprintf(&b, "Load: %s\n", m.DisplayLoad())
	fmt.Fprintf(&b, "Mounts: data=%d tools=%d indices=%d sge=%d\n",
		m.NFSData, m.NFSTools, m.NFSIndices, m.NFSSGE)
	fmt.Fprintf(&b, "Cert: %d  Scheduler: %d", m.GetCert, m.SGEStarted)
	return b.String()
}

// Pos is a tile's top-left corner on the canvas.
type Pos struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// GridLayout lays n tiles of the given size (including padding) into
// rows of width canvasWidth. n == 0 yields an empty layout.
func GridLayout(n, tileSize, canvasWidth int) []Pos {
	if n <= 0 || tileSize <= 0 {
		return nil
	}
	perRow := canvasWidth / tileSize
	if perRow < 1 {
		perRow = 1
	}
	out := make([]Pos, n)
	for i := 0; i < n; i++ {
		out[i] = Pos{
			X: (i % perRow) * tileSize,
			Y: (i / perRow) * tileSize,
		}
	}
	return out
}

// Tile is one rendered grid entry, precomputed server side so the front
// end only draws.
type Tile struct {
	Pos
	Color   string `json:"color"`
	Tooltip string `json:"tooltip"`
	ID      string `json:"id"`
}

// RenderGrid builds the full tile set for the given instances.
func RenderGrid(instances []*models.Instance, tileSize, canvasWidth int, now time.Time) []Tile {
	layout := GridLayout(len(instances), tileSize, canvasWidth)
	tiles := make([]Tile, len(instances))
	for i, m := range instances {
		tiles[i] = Tile{
			Pos:     layout[i],
			Color:   TileColor(m),
			Tooltip: Tooltip(m, now),
			ID:      m.ID,
		}
	}
	return tiles
}
