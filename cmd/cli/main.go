package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/hamed0406/lanwatch/internal/domain"
	"github.com/hamed0406/lanwatch/internal/state"
	"github.com/hamed0406/lanwatch/internal/stats"
)

type targetView struct {
	domain.Target
	State domain.StatusState `json:"state"`
}

type statsView struct {
	Windows []stats.WindowStats `json:"windows"`
	Streak  stats.Streak        `json:"streak"`
}

func main() {
	api := os.Getenv("API_BASE")
	if api == "" {
		api = "http://localhost:8080"
	}
	c := client{base: strings.TrimRight(api, "/"), key: os.Getenv("API_KEY"), http: &http.Client{Timeout: 5 * time.Second}}

	var err error
	switch {
	case len(os.Args) == 1 || os.Args[1] == "status":
		err = c.status()
	case os.Args[1] == "stats" && len(os.Args) == 3:
		err = c.stats(os.Args[2])
	default:
		fmt.Fprintln(os.Stderr, "usage: cli [status | stats <target-id>]")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error contacting API:", err)
		os.Exit(1)
	}
}

type client struct {
	base string
	key  string
	http *http.Client
}

func (c client) get(path string, v any) error {
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("API returned status: %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c client) status() error {
	var h state.Health
	if err := c.get("/api/health", &h); err != nil {
		return err
	}
	var ts []targetView
	if err := c.get("/api/targets", &ts); err != nil {
		return err
	}

	fmt.Printf("round %d  up %d  down %d  unknown %d", h.Generation, h.Up, h.Down, h.Unknown)
	if h.Degraded {
		fmt.Printf("  (storage degraded, %d failed commits)", h.PersistFailures)
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLABEL\tKIND\tSTATUS\tFOR\tLATENCY")
	for _, t := range ts {
		lat := "-"
		if t.State.LatencyMS != nil {
			lat = fmt.Sprintf("%.1fms", *t.State.LatencyMS)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", t.ID, t.Label, t.Kind, t.State.Status, t.State.Streak, lat)
	}
	return w.Flush()
}

func (c client) stats(id string) error {
	var sv statsView
	if err := c.get("/api/targets/"+url.PathEscape(id)+"/stats", &sv); err != nil {
		return err
	}
	fmt.Printf("%s: %s for %d checks\n", id, sv.Streak.Status, sv.Streak.Length)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WINDOW\tSAMPLES\tUPTIME\tLOSS\tAVG\tMIN\tMAX")
	for _, ws := range sv.Windows {
		if ws.NoData {
			fmt.Fprintf(w, "%s\t0\tno data\t\t\t\t\n", ws.Window)
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n", ws.Window, ws.Samples,
			pct(ws.UptimePct), pct(ws.LossPct), msec(ws.AvgMS), msec(ws.MinMS), msec(ws.MaxMS))
	}
	return w.Flush()
}

func pct(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f%%", *v)
}

func msec(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1fms", *v)
}
