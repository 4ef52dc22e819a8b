package xmltv

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/AntonSheinin/epg-service/internal/model"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

func janWindow(fromDay, toDay int) model.FetchContext {
	return model.FetchContext{
		WindowStart: time.Date(2025, 1, fromDay, 0, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2025, 1, toDay, 0, 0, 0, 0, time.UTC),
	}
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    time.Time
		wantErr bool
	}{
		{
			name: "negative offset",
			in:   "20080715003000 -0600",
			want: time.Date(2008, 7, 15, 6, 30, 0, 0, time.UTC),
		},
		{
			name: "positive offset",
			in:   "20250101060000 +0200",
			want: time.Date(2025, 1, 1, 4, 0, 0, 0, time.UTC),
		},
		{
			name: "zero offset",
			in:   "20250101120000 +0000",
			want: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
		},
		{
			name: "missing offset means UTC",
			in:   "20250101120000",
			want: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
		},
		{name: "garbage", in: "not-a-time", wantErr: true},
		{name: "short timestamp", in: "20250101", wantErr: true},
		{name: "bad offset", in: "20250101120000 +02", wantErr: true},
		{name: "empty", in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTime(tt.in)
			if tt.wantErr != (err != nil) {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("ParseTime(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseFileFixture(t *testing.T) {
	p := New(0, testLog)
	res, err := p.ParseFile(context.Background(), "../../testdata/sample_epg.xml", janWindow(1, 2))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	wantChannels := []model.Channel{
		{XMLTVID: "ch1", DisplayName: "Channel One", IconURL: "http://example.com/ch1.png"},
		{XMLTVID: "ch2", DisplayName: "Channel Two"},
		{XMLTVID: "ch3", DisplayName: "ch3"}, // display name falls back to the id
	}
	if diff := cmp.Diff(wantChannels, res.Channels); diff != "" {
		t.Errorf("channels mismatch (-want +got):\n%s", diff)
	}

	// Records with broken timestamps, zero duration, missing title, or a
	// start outside the window are skipped silently.
	wantTitles := []string{"Midnight News", "Morning Show", "Lunch Movie", "Orphan Show"}
	var gotTitles []string
	for _, pr := range res.Programs {
		gotTitles = append(gotTitles, pr.Title)
	}
	if diff := cmp.Diff(wantTitles, gotTitles); diff != "" {
		t.Errorf("program titles mismatch (-want +got):\n%s", diff)
	}

	for _, pr := range res.Programs {
		if pr.ID == "" {
			t.Errorf("program %q has no synthetic id", pr.Title)
		}
		if !pr.StartTime.Before(pr.StopTime) {
			t.Errorf("program %q: start %v not before stop %v", pr.Title, pr.StartTime, pr.StopTime)
		}
	}

	morning := res.Programs[1]
	wantStart := time.Date(2025, 1, 1, 4, 0, 0, 0, time.UTC)
	if !morning.StartTime.Equal(wantStart) {
		t.Errorf("offset not normalized: start = %v, want %v", morning.StartTime, wantStart)
	}
}

func TestParseWindowFiltering(t *testing.T) {
	const doc = `<tv>
		<channel id="ch1"><display-name>One</display-name></channel>
		<programme channel="ch1" start="20250101000000 +0000" stop="20250101003000 +0000">
			<title>Boundary Show</title>
		</programme>
	</tv>`

	p := New(0, testLog)

	res, err := p.Parse(context.Background(), strings.NewReader(doc), janWindow(1, 2))
	if err != nil {
		t.Fatalf("window containing start: %v", err)
	}
	if len(res.Programs) != 1 {
		t.Fatalf("got %d programs, want 1", len(res.Programs))
	}

	_, err = p.Parse(context.Background(), strings.NewReader(doc), janWindow(2, 3))
	if !errors.Is(err, ErrNoPrograms) {
		t.Fatalf("window after start: err = %v, want ErrNoPrograms", err)
	}
}

func TestParseFailures(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr error
	}{
		{
			name:    "no channels",
			doc:     `<tv><programme channel="x" start="20250101000000 +0000" stop="20250101010000 +0000"><title>T</title></programme></tv>`,
			wantErr: ErrNoChannels,
		},
		{
			name:    "no programs in window",
			doc:     `<tv><channel id="ch1"><display-name>One</display-name></channel></tv>`,
			wantErr: ErrNoPrograms,
		},
	}
	p := New(0, testLog)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Parse(context.Background(), strings.NewReader(tt.doc), janWindow(1, 2))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}

	t.Run("malformed document", func(t *testing.T) {
		_, err := p.Parse(context.Background(), strings.NewReader("<tv><channel id="), janWindow(1, 2))
		if err == nil || errors.Is(err, ErrNoChannels) || errors.Is(err, ErrNoPrograms) {
			t.Errorf("want a malformed-document error, got %v", err)
		}
	})
}

func TestParseTimeout(t *testing.T) {
	// A reader that never delivers data keeps the worker goroutine busy
	// until the deadline fires.
	pr, pw := io.Pipe()
	defer func() { _ = pw.Close() }()

	p := New(50*time.Millisecond, testLog)
	_, err := p.Parse(context.Background(), pr, janWindow(1, 2))
	if !errors.Is(err, ErrParseTimeout) {
		t.Fatalf("err = %v, want ErrParseTimeout", err)
	}
}

func TestParseTimeoutDisabled(t *testing.T) {
	const doc = `<tv>
		<channel id="ch1"><display-name>One</display-name></channel>
		<programme channel="ch1" start="20250101000000 +0000" stop="20250101003000 +0000">
			<title>Show</title>
		</programme>
	</tv>`
	p := New(0, testLog)
	if _, err := p.Parse(context.Background(), strings.NewReader(doc), janWindow(1, 2)); err != nil {
		t.Fatalf("zero timeout must disable the deadline: %v", err)
	}
}
