package main

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/tensorplex-labs/chainsync/internal/config"
	"github.com/tensorplex-labs/chainsync/internal/store"
	"github.com/tensorplex-labs/chainsync/internal/store/boltstore"
	"github.com/tensorplex-labs/chainsync/internal/store/redisstore"
)

// syncctl is a small terminal UI for inspecting the local sync store: it
// lists the configured query maps and shows each map's watermark and record
// count without touching the chain.

type mapInfo struct {
	state   store.DescriptorState
	records int
}

type model struct {
	choices       []string
	cursor        int
	selectedIndex int // single selection index; -1 until chosen
	st            store.Store
	info          *mapInfo
	err           error
}

func initialModel() *model {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	st := openStore(cfg)

	return &model{
		choices:       cfg.QueryMaps,
		cursor:        0,
		selectedIndex: -1,
		st:            st,
	}
}

func openStore(cfg *config.AppConfig) store.Store {
	switch cfg.Backend {
	case "redis":
		st, err := redisstore.New(redisstore.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			fmt.Printf("Error connecting to redis store: %v\n", err)
			os.Exit(1)
		}
		return st
	case "bolt", "":
		st, err := boltstore.Open(cfg.Path)
		if err != nil {
			fmt.Printf("Error opening store at %s: %v\n", cfg.Path, err)
			os.Exit(1)
		}
		return st
	default:
		fmt.Printf("Unknown store backend %q\n", cfg.Backend)
		os.Exit(1)
		return nil
	}
}

func (m *model) inspect(mapID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	state, err := m.st.ReadDescriptorState(ctx, mapID)
	if err != nil {
		m.err = err
		return
	}
	records, err := m.st.ReadMap(ctx, mapID)
	if err != nil {
		m.err = err
		return
	}
	m.info = &mapInfo{state: state, records: len(records)}
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) { //nolint
	switch msg := msg.(type) { //nolint
	case tea.KeyMsg:
		switch msg.String() {
		// These keys should exit the program.
		case "ctrl+c", "q":
			return m, tea.Quit

		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}

		case "down", "j":
			if m.cursor < len(m.choices)-1 {
				m.cursor++
			}

		// The "enter" key inspects the current cursor selection.
		case "enter":
			m.selectedIndex = m.cursor
			m.info = nil
			m.err = nil
			m.inspect(m.choices[m.selectedIndex])
		}
	}

	return m, nil
}

func (m *model) View() string {
	s := "Select a query map:\n\n"

	for i, choice := range m.choices {
		cursor := " "
		if m.cursor == i {
			cursor = ">"
		}
		s += fmt.Sprintf("%s %s\n", cursor, choice)
	}

	if m.err != nil {
		s += fmt.Sprintf("\nError: %v\n", m.err)
	} else if m.info != nil {
		name := m.choices[m.selectedIndex]
		if m.info.state.Height == 0 {
			s += fmt.Sprintf("\n%s: never synced\n", name)
		} else {
			s += fmt.Sprintf("\n%s: %d records at height %d, synced %s\n",
				name, m.info.records, m.info.state.Height,
				m.info.state.SyncedAt.Format(time.RFC3339))
		}
	}

	s += "\nPress q to quit.\n"
	return s
}

func (m *model) Init() tea.Cmd {
	return nil
}

func main() {
	m := initialModel()
	defer m.st.Close()

	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		os.Exit(1)
	}
}
