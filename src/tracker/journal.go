package tracker

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

const (
	SourceMint      = "mint"
	SourceWatchlist = "watchlist"
)

// Finding is one line of the discovery journal.
type Finding struct {
	Address string    `json:"address"`
	Name    string    `json:"name"`
	Symbol  string    `json:"symbol"`
	Block   uint64    `json:"block"`
	TxHash  string    `json:"txHash,omitempty"`
	Source  string    `json:"source"`
	At      time.Time `json:"at"`
}

// Journal appends findings as JSON lines.
type Journal struct {
	mu sync.Mutex
	w  io.Writer
}

func NewJournal(w io.Writer) *Journal {
	return &Journal{w: w}
}

// Write appends f as one line. Each line goes out in a single Write call.
func (j *Journal) Write(f Finding) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	_, err = j.w.Write(b)
	return err
}
