package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"soundspeed/internal/adapters/batch"
	"soundspeed/internal/adapters/export"
	"soundspeed/internal/adapters/httpapi"
	"soundspeed/internal/adapters/maintenance"
	"soundspeed/internal/adapters/mqttfeed"
	"soundspeed/internal/core"
	"soundspeed/internal/parser"
	"soundspeed/pkg/domain"
)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return usagef("%v", err)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runServe(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := newFlagSet("serve")
	addr := fs.String("addr", a.cfg.HTTP.Addr, "listen address")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	sched, err := maintenance.New(a.svc, maintenance.Config{
		Schedule:     a.cfg.Maintenance.Schedule,
		Retention:    time.Duration(a.cfg.Maintenance.RetentionDays) * 24 * time.Hour,
		JobRetention: time.Duration(a.cfg.Maintenance.JobRetentionHours) * time.Hour,
	},
		maintenance.WithLogger(a.logger),
		maintenance.WithCacheStats(a.engine),
		maintenance.WithJobPruner(a.svc.Worker()),
	)
	if err != nil {
		return err
	}
	sched.Start()
	defer func() { _ = sched.Stop(context.Background()) }()

	if a.cfg.MQTT.Enabled {
		feed, err := mqttfeed.New(mqttfeed.Config{
			Broker:   a.cfg.MQTT.Broker,
			Topic:    a.cfg.MQTT.Topic,
			ClientID: a.cfg.MQTT.ClientID,
			QoS:      a.cfg.MQTT.QoS,
		}, a.svc, mqttfeed.WithLogger(a.logger))
		if err != nil {
			return err
		}
		if err := feed.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = feed.Stop(context.Background()) }()
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           httpapi.NewHandler(a.svc, httpapi.WithGatherer(a.registry)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	a.logger.Info("http api listening", "addr", *addr)
	fmt.Fprintf(stdout, "listening on %s\n", *addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	a.logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

func runIngest(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := newFlagSet("ingest")
	format := fs.String("format", "", "format hint (cnv, edf, ssvlog, atlas); detected when empty")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return usagef("ingest needs at least one file")
	}
	hint, err := parser.ParseFormat(*format)
	if err != nil {
		return usagef("%v", err)
	}
	files := make([]core.IngestFile, 0, fs.NArg())
	for _, path := range fs.Args() {
		files = append(files, core.IngestFile{Path: path, Hint: hint})
	}
	handle, err := a.svc.IngestBatch(ctx, files)
	if err != nil {
		return err
	}
	for ev := range handle.Events() {
		switch ev.Kind {
		case batch.EventUnitDone:
			fmt.Fprintf(stdout, "ok     %s\n", ev.Unit)
		case batch.EventUnitFailed:
			fmt.Fprintf(stdout, "failed %s: %s\n", ev.Unit, ev.Error)
		}
	}
	rec, err := handle.Wait(ctx)
	if err != nil {
		return err
	}
	for _, r := range rec.Results {
		if r.Result != "" {
			fmt.Fprintf(stdout, "stored %s\n", r.Result)
		}
	}
	fmt.Fprintf(stdout, "%d ingested, %d failed\n", rec.Done, rec.Failed)
	if rec.Failed > 0 {
		return fmt.Errorf("%d of %d files failed", rec.Failed, rec.Total)
	}
	return nil
}

type criteriaFlags struct {
	lat, lon    float64
	at          string
	maxDistance float64
	maxOffset   time.Duration
	preference  string
}

func (c *criteriaFlags) register(fs *flag.FlagSet) {
	fs.Float64Var(&c.lat, "lat", 0, "latitude in degrees")
	fs.Float64Var(&c.lon, "lon", 0, "longitude in degrees")
	fs.StringVar(&c.at, "time", "", "survey time, RFC 3339")
	fs.Float64Var(&c.maxDistance, "max-distance", 0, "selection radius in metres (configured default when 0)")
	fs.DurationVar(&c.maxOffset, "max-offset", 0, "selection time window (configured default when 0)")
	fs.StringVar(&c.preference, "prefer", "", "comma separated source preference, e.g. ctd,xbt")
}

func (c *criteriaFlags) criteria() (domain.Criteria, error) {
	if c.at == "" {
		return domain.Criteria{}, usagef("-time is required")
	}
	at, err := time.Parse(time.RFC3339, c.at)
	if err != nil {
		return domain.Criteria{}, usagef("-time: %v", err)
	}
	out := domain.Criteria{
		Position:      domain.Position{Lat: c.lat, Lon: c.lon},
		Time:          at,
		MaxDistance:   c.maxDistance,
		MaxTimeOffset: c.maxOffset,
	}
	for _, s := range splitList(c.preference) {
		src, err := domain.ParseSourceType(s)
		if err != nil {
			return out, usagef("-prefer: %v", err)
		}
		out.Preference = append(out.Preference, src)
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func runSelect(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := newFlagSet("select")
	var cf criteriaFlags
	cf.register(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	c, err := cf.criteria()
	if err != nil {
		return err
	}
	sel, err := a.svc.Select(ctx, c)
	if err != nil {
		return err
	}
	type row struct {
		ID         string            `json:"id"`
		Source     domain.SourceType `json:"source"`
		DistanceM  float64           `json:"distance_m"`
		TimeOffset string            `json:"time_offset"`
	}
	rows := make([]row, 0, len(sel.Candidates))
	for _, r := range sel.Candidates {
		rows = append(rows, row{ID: r.Profile.ID, Source: r.Profile.Source, DistanceM: r.Distance, TimeOffset: r.TimeOffset.String()})
	}
	return writeJSON(stdout, map[string]any{"selection_empty": sel.Empty, "candidates": rows})
}

type correctFlags struct {
	criteriaFlags
	profile    string
	depths     string
	beams      string
	transducer float64
	surface    float64
	scheme     string
	blend      int
}

func (c *correctFlags) register(fs *flag.FlagSet) {
	c.criteriaFlags.register(fs)
	fs.StringVar(&c.profile, "profile", "", "use this stored profile instead of selecting one")
	fs.StringVar(&c.depths, "depths", "", "comma separated depth grid in metres")
	fs.StringVar(&c.beams, "beams", "", "comma separated angle:two_way_time pairs")
	fs.Float64Var(&c.transducer, "transducer", 0, "transducer depth in metres")
	fs.Float64Var(&c.surface, "surface-speed", 0, "measured speed at the transducer, m/s")
	fs.StringVar(&c.scheme, "scheme", "", "constant_layer or constant_gradient (configured default when empty)")
	fs.IntVar(&c.blend, "blend", 0, "average the top n candidates")
}

func (c *correctFlags) request() (core.CorrectRequest, error) {
	req := core.CorrectRequest{
		ProfileID: c.profile,
		Scheme:    domain.Scheme(c.scheme),
		Blend:     c.blend,
		Geometry:  domain.Geometry{TransducerDepth: c.transducer},
	}
	if c.surface > 0 {
		s := c.surface
		req.Geometry.SurfaceSpeed = &s
	}
	if req.Scheme != "" && !req.Scheme.Valid() {
		return req, usagef("-scheme: unknown scheme %q", c.scheme)
	}
	for _, s := range splitList(c.depths) {
		d, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return req, usagef("-depths: %v", err)
		}
		req.Geometry.DepthGrid = append(req.Geometry.DepthGrid, d)
	}
	for _, s := range splitList(c.beams) {
		angle, twt, ok := strings.Cut(s, ":")
		if !ok {
			return req, usagef("-beams: %q is not angle:two_way_time", s)
		}
		var b domain.Beam
		var err error
		if b.AngleDeg, err = strconv.ParseFloat(angle, 64); err != nil {
			return req, usagef("-beams: %v", err)
		}
		if b.TwoWayTime, err = strconv.ParseFloat(twt, 64); err != nil {
			return req, usagef("-beams: %v", err)
		}
		req.Geometry.Beams = append(req.Geometry.Beams, b)
	}
	if c.profile != "" {
		return req, nil
	}
	crit, err := c.criteria()
	if err != nil {
		return req, err
	}
	req.Criteria = crit
	return req, nil
}

func correct(ctx context.Context, a *app, cf *correctFlags) (core.CorrectResult, error) {
	req, err := cf.request()
	if err != nil {
		return core.CorrectResult{}, err
	}
	res, err := a.svc.Correct(ctx, req)
	if err != nil {
		return res, err
	}
	if res.Correction == nil {
		return res, errors.New("no profile matches the criteria and no climatology is available")
	}
	return res, nil
}

func runCorrect(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := newFlagSet("correct")
	var cf correctFlags
	cf.register(fs)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	res, err := correct(ctx, a, &cf)
	if err != nil {
		return err
	}
	return writeJSON(stdout, map[string]any{
		"correction":      res.Correction,
		"fallback":        res.Fallback,
		"selection_empty": res.SelectionEmpty,
	})
}

func runExport(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := newFlagSet("export")
	var cf correctFlags
	cf.register(fs)
	targetName := fs.String("target", "", "asvp, caris, hypack, csv or ncei")
	out := fs.String("out", "", "output file; stdout when empty")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	target, err := export.ParseTarget(*targetName)
	if err != nil {
		return usagef("-target: %v", err)
	}
	res, err := correct(ctx, a, &cf)
	if err != nil {
		return err
	}
	body, err := a.svc.Export(ctx, res.Correction, target)
	if err != nil {
		return err
	}
	if *out == "" {
		_, err = stdout.Write(body)
		return err
	}
	if err := os.WriteFile(*out, body, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s (%s, profile %s)\n", *out, target, res.Correction.ProfileID)
	return nil
}

func runRequalify(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := newFlagSet("requalify")
	t := a.svc.Thresholds()
	id := fs.String("id", "", "profile id")
	fs.Float64Var(&t.MinSpeed, "min-speed", t.MinSpeed, "lowest plausible speed, m/s")
	fs.Float64Var(&t.MaxSpeed, "max-speed", t.MaxSpeed, "highest plausible speed, m/s")
	fs.Float64Var(&t.SpikeThreshold, "spike", t.SpikeThreshold, "spike threshold, m/s")
	fs.BoolVar(&t.CorrectSpikes, "correct-spikes", t.CorrectSpikes, "interpolate spikes instead of rejecting them")
	fs.IntVar(&t.MinSamples, "min-samples", t.MinSamples, "accepted samples required to pass")
	fs.Float64Var(&t.MinUsableDepth, "min-depth", t.MinUsableDepth, "deepest accepted sample required to pass, m")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *id == "" {
		return usagef("-id is required")
	}
	change, err := a.svc.Requalify(ctx, *id, t)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: %s -> %s\n", change.ID, change.Previous, change.Current)
	return nil
}

func runRetire(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := newFlagSet("retire")
	id := fs.String("id", "", "profile id")
	reason := fs.String("reason", "", "recorded reason")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *id == "" {
		return usagef("-id is required")
	}
	change, err := a.svc.Retire(ctx, *id, *reason)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: %s -> %s\n", change.ID, change.Previous, change.Current)
	return nil
}
