// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package top is a live terminal view of a running queue's status API.
package top

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"pirate/internal/broker"
)

const maxWorkerRows = 20

// Fetcher loads the queue status from the status server
type Fetcher struct {
	URL    string
	Client *http.Client
}

// NewFetcher creates a fetcher for the status server at base
func NewFetcher(base string) *Fetcher {
	return &Fetcher{
		URL:    strings.TrimRight(base, "/") + "/api/v1/status",
		Client: &http.Client{Timeout: 2 * time.Second},
	}
}

// Fetch requests one status snapshot
func (f *Fetcher) Fetch(ctx context.Context) (*broker.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach status server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status server returned %s", resp.Status)
	}

	var snap broker.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &snap, nil
}

type snapshotMsg struct {
	snap *broker.Snapshot
	err  error
	// scheduled is set for fetches driven by the refresh timer. Only those
	// arm the next tick, so a manual refresh never starts a second loop.
	scheduled bool
}

type tickMsg time.Time

// Model is the bubbletea model of the status view
type Model struct {
	fetcher  *Fetcher
	interval time.Duration

	snap      *broker.Snapshot
	err       error
	fetchedAt time.Time
	quitting  bool

	width  int
	height int
}

// NewModel creates a model polling fetcher every interval
func NewModel(fetcher *Fetcher, interval time.Duration) Model {
	if interval <= 0 {
		interval = time.Second
	}
	return Model{fetcher: fetcher, interval: interval}
}

func (m Model) fetch(scheduled bool) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), m.interval)
		defer cancel()
		snap, err := m.fetcher.Fetch(ctx)
		return snapshotMsg{snap: snap, err: err, scheduled: scheduled}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return m.fetch(true)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.fetch(false)
		}

	case snapshotMsg:
		m.fetchedAt = time.Now()
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
		}
		if !msg.scheduled {
			return m, nil
		}
		return m, m.tick()

	case tickMsg:
		return m, m.fetch(true)
	}

	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("Paranoid Pirate queue"))
	b.WriteString("  ")
	b.WriteString(helpStyle.Render(m.fetcher.URL))
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render("✗ " + m.err.Error()))
		b.WriteString("\n\n")
	}
	if m.snap == nil {
		b.WriteString(helpStyle.Render("Waiting for status..."))
		b.WriteString("\n")
		b.WriteString(m.help())
		return b.String()
	}

	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		panelStyle.Render(m.renderStats()),
		" ",
		panelStyle.Render(m.renderWorkers()),
	))
	b.WriteString("\n")
	b.WriteString(m.help())
	return b.String()
}

func (m Model) help() string {
	return helpStyle.Render("r: refresh • q: quit")
}

func row(label, value string) string {
	return labelStyle.Render(label) + valueStyle.Render(value) + "\n"
}

func (m Model) renderStats() string {
	s := m.snap
	var b strings.Builder
	b.WriteString(subtitleStyle.Render("Queue"))
	b.WriteString("\n")

	state := successStyle.Render("running")
	if !s.Running {
		state = errorStyle.Render("stopped")
	}
	b.WriteString(labelStyle.Render("State") + state + "\n")
	if !s.Stats.StartTime.IsZero() {
		b.WriteString(row("Uptime", formatUptime(s.TakenAt.Sub(s.Stats.StartTime))))
	}
	b.WriteString(row("Heartbeat", fmt.Sprintf("%s × %d", s.HeartbeatInterval, s.HeartbeatLiveness)))
	b.WriteString(row("Workers ready", fmt.Sprintf("%d", len(s.Workers))))
	b.WriteString(row("Requests routed", fmt.Sprintf("%d", s.Stats.RequestsRouted)))
	b.WriteString(row("Replies forwarded", fmt.Sprintf("%d", s.Stats.RepliesForwarded)))
	b.WriteString(row("Heartbeats sent", fmt.Sprintf("%d", s.Stats.HeartbeatsSent)))
	b.WriteString(row("Heartbeats failed", fmt.Sprintf("%d", s.Stats.HeartbeatsFailed)))
	b.WriteString(row("Workers purged", fmt.Sprintf("%d", s.Stats.WorkersPurged)))
	b.WriteString(row("Workers evicted", fmt.Sprintf("%d", s.Stats.WorkersEvicted)))
	b.WriteString(row("Violations", fmt.Sprintf("%d", s.Stats.ProtocolViolations)))
	b.WriteString(row("Send failures", fmt.Sprintf("%d", s.Stats.SendFailures)))
	return b.String()
}

func (m Model) renderWorkers() string {
	s := m.snap
	var b strings.Builder
	b.WriteString(subtitleStyle.Render("Workers (next first)"))
	b.WriteString("\n")

	if len(s.Workers) == 0 {
		b.WriteString(warningStyle.Render("No workers ready, requests are held"))
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(headerStyle.Render(fmt.Sprintf("%-3s %-38s %s", "#", "IDENTITY", "EXPIRES IN")))
	b.WriteString("\n")

	ttl := s.HeartbeatInterval * time.Duration(s.HeartbeatLiveness)
	for i, w := range s.Workers {
		if i == maxWorkerRows {
			b.WriteString(helpStyle.Render(fmt.Sprintf("… %d more", len(s.Workers)-maxWorkerRows)))
			b.WriteString("\n")
			break
		}
		identity := w.Identity
		if len(identity) > 38 {
			identity = identity[:37] + "…"
		}
		expires := expiryStyle(w.ExpiresIn, ttl).Render(w.ExpiresIn.Round(time.Millisecond).String())
		b.WriteString(fmt.Sprintf("%-3d %-38s %s\n", i+1, identity, expires))
	}
	return b.String()
}

// Run starts the TUI against the status server at base
func Run(base string, interval time.Duration) error {
	p := tea.NewProgram(
		NewModel(NewFetcher(base), interval),
		tea.WithAltScreen(),
	)

	defer func() {
		if r := recover(); r != nil {
			p.Kill()
		}
	}()

	_, err := p.Run()
	return err
}
