package cmd

import (
	"fmt"
	"sync"

	"github.com/pterm/pterm"
)

// progresser displays the number of headers fetched by all the accounts being refreshed
type progresser struct {
	mu      sync.Mutex
	spinner *pterm.SpinnerPrinter
	count   int
}

func newProgresser(spinner *pterm.SpinnerPrinter) *progresser {
	return &progresser{
		spinner: spinner,
	}
}

func (p *progresser) Increment() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.count++
	if p.spinner == nil {
		return
	}
	p.spinner.UpdateText(fmt.Sprintf("%d new messages", p.count))
}

func (p *progresser) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.count
}
