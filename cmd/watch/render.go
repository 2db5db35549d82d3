package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dexterr404/watch-room/internal/domain"
)

// printer дописывает в w только новые сообщения и перерисовывает список
// участников, когда он меняется.
type printer struct {
	w      io.Writer
	now    func() time.Time
	seen   map[string]struct{}
	roster string
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, now: time.Now, seen: make(map[string]struct{})}
}

func (p *printer) update(msgs []domain.Message, parts []domain.Participant) {
	for _, m := range msgs {
		if _, ok := p.seen[m.ID]; ok {
			continue
		}
		p.seen[m.ID] = struct{}{}
		fmt.Fprintf(p.w, "[%s] %s: %s\n", p.when(m.CreatedAt), author(m), m.Content)
	}

	names := make([]string, 0, len(parts))
	for _, pt := range parts {
		names = append(names, pt.DisplayName)
	}
	roster := strings.Join(names, ", ")
	if roster != p.roster {
		p.roster = roster
		fmt.Fprintf(p.w, "* online (%d): %s\n", len(parts), roster)
	}
}

func (p *printer) status(format string, args ...any) {
	fmt.Fprintf(p.w, "* "+format+"\n", args...)
}

// свежие сообщения — часы:минуты, старые — относительное время
func (p *printer) when(t time.Time) string {
	if p.now().Sub(t) < time.Hour {
		return t.Local().Format("15:04")
	}
	return humanize.RelTime(t, p.now(), "ago", "from now")
}

func author(m domain.Message) string {
	if m.AuthorDisplayName != "" {
		return m.AuthorDisplayName
	}
	if len(m.UserID) > 8 {
		return m.UserID[:8]
	}
	return m.UserID
}
