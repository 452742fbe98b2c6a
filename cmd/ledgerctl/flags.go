package main

import (
	"fmt"
	"strings"

	"github.com/example/ledgersync/internal/syncer"
)

type syncFlags struct {
	mode       string
	days       int
	currencies []string
}

func (f syncFlags) request() (syncer.Request, error) {
	mode, err := syncer.ParseMode(f.mode)
	if err != nil {
		return syncer.Request{}, err
	}
	if f.days < 0 {
		return syncer.Request{}, fmt.Errorf("--days must not be negative, got %d", f.days)
	}
	if f.days > 0 && mode != syncer.ModeIncremental {
		return syncer.Request{}, fmt.Errorf("--days only applies to incremental syncs")
	}
	req := syncer.Request{Mode: mode, Days: f.days}
	for _, c := range f.currencies {
		if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
			req.Currencies = append(req.Currencies, c)
		}
	}
	return req, nil
}
