package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/eldersvr/onboard/internal/adb"
	"github.com/eldersvr/onboard/internal/catalog"
	"github.com/eldersvr/onboard/internal/config"
	"github.com/eldersvr/onboard/internal/deploy"
	"github.com/eldersvr/onboard/internal/progress"
	"github.com/eldersvr/onboard/internal/transfer"
	"github.com/eldersvr/onboard/pkg/types"
	"golang.org/x/time/rate"
)

// styles renders for one writer, so piped output carries no escape codes.
type styles struct {
	title lipgloss.Style
	ok    lipgloss.Style
	warn  lipgloss.Style
	bad   lipgloss.Style
	dim   lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		title: r.NewStyle().Bold(true),
		ok:    r.NewStyle().Foreground(lipgloss.Color("2")),
		warn:  r.NewStyle().Foreground(lipgloss.Color("3")),
		bad:   r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		dim:   r.NewStyle().Faint(true),
	}
}

func renderReport(w io.Writer, report *deploy.Report) {
	s := newStyles(w)

	fmt.Fprintf(w, "%s %s\n", s.title.Render("Deployment"), s.dim.Render(report.RunID))
	fmt.Fprintf(w, "  duration   %s\n", report.Duration.Round(time.Second))

	if report.Download != nil {
		d := report.Downloaded()
		fmt.Fprintf(w, "  downloads  %d succeeded, %d cached, %s  (%s)\n",
			d.Succeeded, d.Skipped, count(s, d.Failed, "failed"),
			humanize.Bytes(uint64(max(report.Progress.Download.BytesDone, 0))))
		for _, task := range report.Download.Failures() {
			fmt.Fprintf(w, "    %s %s: %v\n", s.bad.Render("x"), task.Asset.Key(), task.Err)
		}
	}
	if report.Evicted > 0 {
		fmt.Fprintf(w, "  %s %d cache entries dropped after files changed on disk\n", s.warn.Render("!"), report.Evicted)
		for _, p := range report.Changed {
			fmt.Fprintf(w, "    %s %s\n", s.warn.Render("~"), p)
		}
	}

	if report.Transfer != nil {
		for _, dr := range report.Transfer.Devices {
			c := dr.Counts()
			fmt.Fprintf(w, "  %-10s %d transferred, %d overwritten, %d skipped, %s, %d cancelled\n",
				dr.Device.Serial, c.Transferred, c.Overwritten, c.Skipped, count(s, c.Failed, "failed"), c.Cancelled)
			for _, task := range dr.Tasks {
				if task.Status == types.TransferFailed {
					fmt.Fprintf(w, "    %s %s: %s\n", s.bad.Render("x"), task.DestinationPath, task.Reason)
				}
			}
		}
		for _, v := range report.Transfer.Verifications {
			renderVerification(w, s, v)
		}
	}

	var result string
	switch {
	case report.Interrupted:
		result = s.warn.Render("interrupted")
	case report.Cancelled():
		result = s.warn.Render("cancelled at conflict prompt")
	case report.ExitCode() == deploy.ExitOK:
		result = s.ok.Render("complete")
	default:
		result = s.bad.Render("completed with failures")
	}
	if report.Err != nil && !report.Interrupted {
		result += s.dim.Render(" (" + report.Err.Error() + ")")
	}
	fmt.Fprintf(w, "  result     %s\n", result)
}

func count(s styles, n int, label string) string {
	text := fmt.Sprintf("%d %s", n, label)
	if n > 0 {
		return s.bad.Render(text)
	}
	return text
}

func renderVerification(w io.Writer, s styles, v transfer.Verification) {
	switch {
	case v.Err != nil:
		fmt.Fprintf(w, "  verify %-10s %s\n", v.Serial, s.bad.Render(v.Err.Error()))
	case v.Complete() && v.Kept() > 0:
		fmt.Fprintf(w, "  verify %-10s %s (%d files, %d device copies kept)\n", v.Serial, s.ok.Render("complete"), len(v.Files), v.Kept())
	case v.Complete():
		fmt.Fprintf(w, "  verify %-10s %s (%d files)\n", v.Serial, s.ok.Render("complete"), len(v.Files))
	default:
		missing := v.Missing()
		fmt.Fprintf(w, "  verify %-10s %s\n", v.Serial, s.bad.Render(fmt.Sprintf("%d of %d files missing or wrong size", len(missing), len(v.Files))))
		for _, f := range missing {
			fmt.Fprintf(w, "    %s %s\n", s.bad.Render("x"), f.Path)
		}
	}
}

func renderVerifications(w io.Writer, results []transfer.Verification) {
	s := newStyles(w)
	for _, v := range results {
		renderVerification(w, s, v)
	}
}

func renderDevices(w io.Writer, devices []adb.DeviceInfo, space map[string]adb.StorageInfo, configured config.Devices) {
	s := newStyles(w)
	if len(devices) == 0 {
		fmt.Fprintln(w, "No headsets attached.")
		return
	}

	fmt.Fprintln(w, s.title.Render("Attached headsets"))
	for _, d := range devices {
		role := ""
		switch d.Serial {
		case configured.MasterSerial:
			role = string(types.RoleMaster)
		case configured.SlaveSerial:
			role = string(types.RoleSlave)
		}
		state := s.ok.Render(d.State)
		if !d.Ready() {
			state = s.warn.Render(d.State)
		}
		line := fmt.Sprintf("  %-20s %-12s %-14s %-7s", d.Serial, state, d.Model, role)
		if info, ok := space[d.Serial]; ok {
			line += fmt.Sprintf(" %s free, %s of content", humanize.Bytes(uint64(info.AvailableBytes)), humanize.Bytes(uint64(info.ContentBytes)))
		}
		fmt.Fprintln(w, strings.TrimRight(line, " "))
	}
}

func renderManifest(w io.Writer, path string, summary catalog.Summary, issues []string) {
	s := newStyles(w)
	fmt.Fprintf(w, "%s %s\n", s.title.Render("Manifest written to"), path)
	fmt.Fprintf(w, "  videos      %d files\n", summary.Videos)
	fmt.Fprintf(w, "  thumbnails  %d\n", summary.Thumbnails)
	fmt.Fprintf(w, "  tag images  %d\n", summary.TagImages)
	fmt.Fprintf(w, "  total       %d files to download\n", summary.EstimatedFiles)
	for _, issue := range issues {
		fmt.Fprintf(w, "  %s %s\n", s.warn.Render("!"), issue)
	}
}

func renderStatus(w io.Writer, status *deploy.Status) {
	s := newStyles(w)
	run := status.Run

	fmt.Fprintf(w, "%s %s\n", s.title.Render("Last run"), s.dim.Render(run.ID))
	fmt.Fprintf(w, "  started    %s (%s)\n", run.StartedAt.Local().Format(time.DateTime), humanize.Time(run.StartedAt))
	switch {
	case run.FinishedAt.IsZero():
		fmt.Fprintf(w, "  exit       %s\n", s.warn.Render("did not finish"))
	case run.ExitCode == deploy.ExitOK:
		fmt.Fprintf(w, "  exit       %s\n", s.ok.Render("0"))
	default:
		fmt.Fprintf(w, "  exit       %s\n", s.bad.Render(fmt.Sprint(run.ExitCode)))
	}

	serials := make([]string, 0, len(status.Devices))
	for serial := range status.Devices {
		serials = append(serials, serial)
	}
	sort.Strings(serials)
	for _, serial := range serials {
		c := status.Devices[serial]
		fmt.Fprintf(w, "  %-10s %d transferred, %d overwritten, %d skipped, %s, %d cancelled\n",
			serial, c.Transferred, c.Overwritten, c.Skipped, count(s, c.Failed, "failed"), c.Cancelled)
	}
	if len(status.Failed) > 0 {
		fmt.Fprintf(w, "  %d transfers can be retried with 'eldersvr-onboard retry-failed':\n", len(status.Failed))
		for _, r := range status.Failed {
			fmt.Fprintf(w, "    %s %s %s: %s\n", s.bad.Render("x"), r.Serial, r.Destination, r.Reason)
		}
	}
}

// liveRenderer redraws a one-line progress summary at most a few times a
// second, however fast events arrive.
type liveRenderer struct {
	agg       *progress.Aggregator
	w         io.Writer
	sometimes rate.Sometimes
	mu        sync.Mutex
	drawn     bool
}

func newLiveRenderer(agg *progress.Aggregator, w io.Writer) *liveRenderer {
	return &liveRenderer{
		agg:       agg,
		w:         w,
		sometimes: rate.Sometimes{Interval: 200 * time.Millisecond},
	}
}

func (l *liveRenderer) Record(types.ProgressEvent) {
	l.sometimes.Do(l.draw)
}

func (l *liveRenderer) draw() {
	line := progressLine(l.agg.Snapshot())
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "\r\033[K%s", line)
	l.drawn = true
}

// Clear removes the progress line before the report is printed.
func (l *liveRenderer) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.drawn {
		fmt.Fprint(l.w, "\r\033[K")
		l.drawn = false
	}
}

func progressLine(state progress.State) string {
	var parts []string
	if d := state.Download; d.Tasks > 0 {
		parts = append(parts, fmt.Sprintf("download %d/%d files %s/%s",
			d.Finished(), d.Tasks, humanize.Bytes(uint64(max(d.BytesDone, 0))), humanize.Bytes(uint64(max(d.BytesTotal, 0)))))
	}
	serials := make([]string, 0, len(state.Devices))
	for serial := range state.Devices {
		serials = append(serials, serial)
	}
	sort.Strings(serials)
	for _, serial := range serials {
		u := state.Devices[serial]
		parts = append(parts, fmt.Sprintf("%s %d/%d", serial, u.Finished(), u.Tasks))
	}
	if len(parts) == 0 {
		return "preparing..."
	}
	return strings.Join(parts, " | ")
}
