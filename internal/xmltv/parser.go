// Package xmltv parses XMLTV documents into channel and program records,
// filtered to a fetch window.
package xmltv

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AntonSheinin/epg-service/internal/model"
)

// Parse failure conditions. A malformed individual record is skipped; these
// fail the whole parse.
var (
	ErrNoChannels   = errors.New("no channels found in XMLTV document")
	ErrNoPrograms   = errors.New("no programs found in time window")
	ErrParseTimeout = errors.New("parse timeout exceeded")
)

// Result holds the typed records extracted from one document.
type Result struct {
	Channels []model.Channel
	Programs []model.Program
}

// Parser converts XMLTV documents into Results. Parsing runs on a worker
// goroutine so a wall-clock timeout can abort a pathological document
// without blocking the caller.
type Parser struct {
	timeout time.Duration
	log     *slog.Logger
}

// New creates a Parser. timeout zero disables the parse deadline.
func New(timeout time.Duration, log *slog.Logger) *Parser {
	return &Parser{timeout: timeout, log: log}
}

// ParseFile parses the XMLTV document at path.
func (p *Parser) ParseFile(ctx context.Context, path string, window model.FetchContext) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open document: %w", err)
	}
	// Closing the file also unblocks the worker goroutine when the parse
	// is abandoned on timeout.
	defer func() { _ = f.Close() }()
	return p.Parse(ctx, f, window)
}

// Parse decodes the document from r, keeping only programs whose start time
// falls inside the inclusive window. On timeout the worker goroutine is
// abandoned; r must not be reused afterwards.
func (p *Parser) Parse(ctx context.Context, r io.Reader, window model.FetchContext) (*Result, error) {
	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := p.parse(r, window)
		done <- outcome{res: res, err: err}
	}()

	var timeoutC <-chan time.Time
	if p.timeout > 0 {
		t := time.NewTimer(p.timeout)
		defer t.Stop()
		timeoutC = t.C
	}

	select {
	case o := <-done:
		return o.res, o.err
	case <-timeoutC:
		return nil, ErrParseTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type channelElem struct {
	ID           string   `xml:"id,attr"`
	DisplayNames []string `xml:"display-name"`
	Icon         struct {
		Src string `xml:"src,attr"`
	} `xml:"icon"`
}

type programmeElem struct {
	Channel string `xml:"channel,attr"`
	Start   string `xml:"start,attr"`
	Stop    string `xml:"stop,attr"`
	Title   string `xml:"title"`
	Desc    string `xml:"desc"`
}

func (p *Parser) parse(r io.Reader, window model.FetchContext) (*Result, error) {
	dec := xml.NewDecoder(r)
	res := &Result{}
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("malformed document: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "channel":
			var el channelElem
			if err := dec.DecodeElement(&el, &se); err != nil {
				return nil, fmt.Errorf("malformed document: %w", err)
			}
			if ch, ok := el.toChannel(); ok {
				res.Channels = append(res.Channels, ch)
			}
		case "programme":
			var el programmeElem
			if err := dec.DecodeElement(&el, &se); err != nil {
				return nil, fmt.Errorf("malformed document: %w", err)
			}
			if pr, ok := el.toProgram(window); ok {
				res.Programs = append(res.Programs, pr)
			}
		}
	}
	if len(res.Channels) == 0 {
		return nil, ErrNoChannels
	}
	if len(res.Programs) == 0 {
		return nil, ErrNoPrograms
	}
	p.log.Debug("parsed XMLTV document", "channels", len(res.Channels), "programs", len(res.Programs))
	return res, nil
}

func (el channelElem) toChannel() (model.Channel, bool) {
	id := strings.TrimSpace(el.ID)
	if id == "" {
		return model.Channel{}, false
	}
	name := id
	for _, dn := range el.DisplayNames {
		if s := strings.TrimSpace(dn); s != "" {
			name = s
			break
		}
	}
	return model.Channel{
		XMLTVID:     id,
		DisplayName: name,
		IconURL:     strings.TrimSpace(el.Icon.Src),
	}, true
}

func (el programmeElem) toProgram(window model.FetchContext) (model.Program, bool) {
	channel := strings.TrimSpace(el.Channel)
	title := strings.TrimSpace(el.Title)
	if channel == "" || title == "" || el.Start == "" || el.Stop == "" {
		return model.Program{}, false
	}
	start, err := ParseTime(el.Start)
	if err != nil {
		return model.Program{}, false
	}
	stop, err := ParseTime(el.Stop)
	if err != nil {
		return model.Program{}, false
	}
	if !start.Before(stop) {
		return model.Program{}, false
	}
	if !window.Contains(start) {
		return model.Program{}, false
	}
	return model.Program{
		ID:          uuid.NewString(),
		ChannelID:   channel,
		StartTime:   start,
		StopTime:    stop,
		Title:       title,
		Description: strings.TrimSpace(el.Desc),
	}, true
}

// ParseTime converts an XMLTV timestamp ("20080715003000 -0600") to UTC.
// The declared offset is subtracted; a missing offset means UTC.
func ParseTime(s string) (time.Time, error) {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) == 0 {
		return time.Time{}, errors.New("empty timestamp")
	}
	t, err := time.Parse("20060102150405", fields[0])
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", fields[0], err)
	}
	if len(fields) > 1 {
		tz := fields[1]
		if len(tz) != 5 || (tz[0] != '+' && tz[0] != '-') {
			return time.Time{}, fmt.Errorf("parse offset %q", tz)
		}
		hh, err1 := strconv.Atoi(tz[1:3])
		mm, err2 := strconv.Atoi(tz[3:5])
		if err1 != nil || err2 != nil {
			return time.Time{}, fmt.Errorf("parse offset %q", tz)
		}
		offset := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if tz[0] == '-' {
			offset = -offset
		}
		t = t.Add(-offset)
	}
	return t.UTC(), nil
}
