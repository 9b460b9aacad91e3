package provider

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"go.uber.org/zap"

	"github.com/lox/weatherstats/internal/apperr"
	"github.com/lox/weatherstats/internal/metrics"
	"github.com/lox/weatherstats/internal/models"
)

const (
	FTPArchiveName  = "ftparchive"
	ftpArchiveRange = 31
)

type FTPArchiveOptions struct {
	Addr     string
	User     string
	Password string
	Dir      string
	Timeout  time.Duration
}

// FTPArchive reads daily CSV exports laid out as {dir}/{city-slug}/{YYYY-MM-DD}.csv
// with columns time,temperature_f,precipitation_in.
type FTPArchive struct {
	opts   FTPArchiveOptions
	logger *zap.Logger
}

func NewFTPArchive(opts FTPArchiveOptions, logger *zap.Logger) *FTPArchive {
	if opts.User == "" {
		opts.User, opts.Password = "anonymous", "anonymous"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &FTPArchive{opts: opts, logger: logger}
}

func (f *FTPArchive) Name() string      { return FTPArchiveName }
func (f *FTPArchive) MaxRangeDays() int { return ftpArchiveRange }

func (f *FTPArchive) Fetch(ctx context.Context, city models.City, start, end time.Time) (Batch, error) {
	started := time.Now()
	defer func() {
		metrics.ProviderLatency.WithLabelValues(FTPArchiveName).Observe(time.Since(started).Seconds())
	}()

	conn, err := ftp.Dial(f.opts.Addr, ftp.DialWithTimeout(f.opts.Timeout), ftp.DialWithContext(ctx))
	if err != nil {
		metrics.ProviderCallsTotal.WithLabelValues(FTPArchiveName, "error").Inc()
		return Batch{}, &apperr.ProviderError{Kind: apperr.ProviderTransient, Provider: FTPArchiveName, Err: fmt.Errorf("ftp dial: %w", err)}
	}
	defer conn.Quit()

	if err := conn.Login(f.opts.User, f.opts.Password); err != nil {
		metrics.ProviderCallsTotal.WithLabelValues(FTPArchiveName, "error").Inc()
		return Batch{}, &apperr.ProviderError{Kind: apperr.ProviderInvalidRequest, Provider: FTPArchiveName, Err: fmt.Errorf("ftp login: %w", err)}
	}

	var (
		raws    []models.RawObservation
		payload bytes.Buffer
	)
	for day := Date(start); !day.After(Date(end)); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return Batch{}, err
		}
		file := path.Join(f.opts.Dir, city.Slug(), day.Format(time.DateOnly)+".csv")
		body, err := retrieve(conn, file)
		if isNotFound(err) {
			f.logger.Debug("archive day missing", zap.String("file", file))
			continue
		}
		if err != nil {
			metrics.ProviderCallsTotal.WithLabelValues(FTPArchiveName, "error").Inc()
			return Batch{}, &apperr.ProviderError{Kind: apperr.ProviderTransient, Provider: FTPArchiveName, Err: fmt.Errorf("ftp retr %s: %w", file, err)}
		}
		metrics.ProviderCallsTotal.WithLabelValues(FTPArchiveName, "ok").Inc()

		rows, err := ParseArchiveCSV(bytes.NewReader(body))
		if err != nil {
			return Batch{}, &apperr.ProviderError{Kind: apperr.ProviderInvalidRequest, Provider: FTPArchiveName, Err: fmt.Errorf("%s: %w", file, err)}
		}
		raws = append(raws, rows...)
		payload.Write(body)
	}

	return Batch{Observations: raws, Payload: payload.Bytes()}, nil
}

func retrieve(conn *ftp.ServerConn, file string) ([]byte, error) {
	resp, err := conn.Retr(file)
	if err != nil {
		return nil, err
	}
	defer resp.Close()
	return io.ReadAll(resp)
}

func isNotFound(err error) bool {
	var tpErr *textproto.Error
	return errors.As(err, &tpErr) && tpErr.Code == ftp.StatusFileUnavailable
}

// ParseArchiveCSV reads the archive's daily CSV format. Empty cells and the
// -9999 sentinel are missing readings.
func ParseArchiveCSV(r io.Reader) ([]models.RawObservation, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := map[string]int{}
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, want := range []string{"time", "temperature_f", "precipitation_in"} {
		if _, ok := cols[want]; !ok {
			return nil, fmt.Errorf("missing column %q", want)
		}
	}

	var out []models.RawObservation
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		temp, err := parseCell(rec[cols["temperature_f"]])
		if err != nil {
			return nil, err
		}
		precip, err := parseCell(rec[cols["precipitation_in"]])
		if err != nil {
			return nil, err
		}
		out = append(out, models.RawObservation{
			LocalTime:     strings.TrimSpace(rec[cols["time"]]),
			Temperature:   temp,
			Precipitation: precip,
			TempUnit:      models.UnitFahrenheit,
			PrecipUnit:    models.UnitInch,
		})
	}
	return out, nil
}

func parseCell(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", s, err)
	}
	if v == MissingSentinel {
		return nil, nil
	}
	return &v, nil
}
