// cmd/replay runs stored bar history from SQLite through the overlay engine
// and prints the rows as JSON lines, followed by every volume-profile period.
// It can first import bars from a CSV file.
//
// Usage:
//
//	go run ./cmd/replay --db=data/bars.db --key=NIFTY:60
//	go run ./cmd/replay --csv=nifty.csv --key=NIFTY:60 --ma-type=HMA --period=week
//
// CSV columns: time,open,high,low,close,volume. time is RFC 3339 or unix
// seconds; a header row is skipped.
package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"overlay-systemv1/config"
	"overlay-systemv1/internal/logger"
	"overlay-systemv1/internal/model"
	"overlay-systemv1/internal/overlay"
	sqlitestore "overlay-systemv1/internal/store/sqlite"
)

func main() {
	flags := pflag.NewFlagSet("replay", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "Config file for indicator parameters")
	dbPath := flags.String("db", "", "SQLite bar store (default from config)")
	csvPath := flags.String("csv", "", "Import bars from this CSV before replaying")
	key := flags.String("key", "", "Instrument key SYMBOL:TF")
	rowsOnly := flags.Bool("rows-only", false, "Skip the period summary")
	quiet := flags.BoolP("quiet", "q", false, "Print periods only")
	maType := flags.String("ma-type", "", "Override trail.ma_type")
	maLength := flags.Int("ma-length", 0, "Override trail.ma_length")
	period := flags.String("period", "", "Override profile.period (session, week, month)")
	rowSize := flags.Float64("row-size", 0, "Override profile.row_size")
	flags.Parse(os.Args[1:])

	log, err := logger.Init("replay", "info", "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "[replay] logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("config", zap.Error(err))
	}
	if *dbPath != "" {
		cfg.SQLitePath = *dbPath
	}
	if *maType != "" {
		cfg.Trail.MAType = *maType
	}
	if *maLength > 0 {
		cfg.Trail.MALength = *maLength
	}
	if *period != "" {
		cfg.Profile.Period = *period
	}
	if *rowSize > 0 {
		cfg.Profile.RowSize = *rowSize
	}
	ocfg, err := cfg.OverlayConfig()
	if err != nil {
		log.Fatal("indicator config", zap.Error(err))
	}

	symbol, tf, err := model.ParseInstrumentKey(*key)
	if err != nil {
		log.Fatal("bad --key", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *csvPath != "" {
		n, err := importCSV(ctx, cfg.SQLitePath, *csvPath, symbol, tf, log)
		if err != nil {
			log.Fatal("csv import", zap.Error(err))
		}
		log.Info("bars imported", zap.String("file", *csvPath), zap.Int("bars", n))
	}

	reader, err := sqlitestore.NewReader(cfg.SQLitePath)
	if err != nil {
		log.Fatal("sqlite open", zap.Error(err))
	}
	defer reader.Close()

	engine, err := overlay.NewEngine(ocfg)
	if err != nil {
		log.Fatal("engine", zap.Error(err))
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	start := time.Now()
	n, err := overlay.NewReplayer(reader, log).Reattach(ctx, engine, *key, func(row model.OverlayRow) {
		if !*quiet {
			out.Write(row.JSON())
			out.WriteByte('\n')
		}
	})
	if err != nil {
		log.Fatal("replay", zap.Error(err))
	}

	if !*rowsOnly {
		engine.Flush(*key)
		enc := json.NewEncoder(out)
		for _, p := range engine.Finalized(*key) {
			enc.Encode(p)
		}
	}

	st, _ := engine.Stats(*key)
	log.Info("replay complete",
		zap.String("key", *key),
		zap.Int("bars", n),
		zap.Int("periods", st.Finalized),
		zap.String("moving_average", st.MovingAvg),
		zap.String("period", st.Period),
		zap.Duration("took", time.Since(start)))
}

// importCSV loads bars for one instrument into the SQLite store.
func importCSV(ctx context.Context, dbPath, csvPath, symbol string, tf int, log *zap.Logger) (int, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	bars, err := parseBars(f, symbol, tf)
	if err != nil {
		return 0, errors.Wrap(err, csvPath)
	}

	w, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: dbPath, Log: log})
	if err != nil {
		return 0, err
	}
	defer w.Close()
	if err := w.InsertBars(ctx, bars); err != nil {
		return 0, err
	}
	return len(bars), nil
}

// parseBars reads time,open,high,low,close,volume records. A first record
// whose time does not parse is treated as a header.
func parseBars(r io.Reader, symbol string, tf int) ([]model.Bar, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 6
	cr.TrimLeadingSpace = true

	var bars []model.Bar
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			return bars, nil
		}
		if err != nil {
			return nil, err
		}
		ts, err := parseTime(rec[0])
		if err != nil {
			if line == 1 {
				continue
			}
			return nil, errors.Wrapf(err, "line %d", line)
		}
		var v [5]float64
		for i := range v {
			if v[i], err = strconv.ParseFloat(strings.TrimSpace(rec[i+1]), 64); err != nil {
				return nil, errors.Wrapf(err, "line %d column %d", line, i+2)
			}
		}
		bars = append(bars, model.Bar{
			Symbol: symbol, TF: tf, Time: ts,
			Open: v[0], High: v[1], Low: v[2], Close: v[3], Volume: v[4],
		})
	}
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
