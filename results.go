/*
Copyright © 2023 the EpiMap authors.
This file is part of EpiMap.

EpiMap is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

EpiMap is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with EpiMap.  If not, see <http://www.gnu.org/licenses/>.
*/

package epimap

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
)

// resultHeader is the fixed output contract. Downstream analysis scripts
// key on these names; do not reorder.
var resultHeader = []string{
	"Timestamp", "Disease", "Exposure", "Category",
	"Measure", "Estimate", "Lag", "Model", "Dose_Response_Type",
	"RR_Per_SD", "RR_Per_SD_Lower", "RR_Per_SD_Upper",
	"RR_P90_vs_P10", "RR_P90_vs_P10_Lower", "RR_P90_vs_P10_Upper",
	"P_Value", "DIC", "WAIC", "N_Counties", "N_Records", "Status_Message",
}

// statusSuccess marks a combination that produced usable effect sizes.
const statusSuccess = "SUCCESS"

// ResultRow is one attempted combination's outcome. Rows are written
// once, immediately after the attempt, and never mutated.
type ResultRow struct {
	Timestamp time.Time
	Disease   string
	Exposure  string
	Category  string
	Combo     Combination

	// Effects is nil for failure rows.
	Effects   *Effects
	DIC, WAIC float64

	NCounties, NRecords int
	Status              string
}

// NewSuccessRow builds the output row for a completed fit.
func NewSuccessRow(ts time.Time, disease, exposure, category string, combo Combination,
	e *Effects, res *FitResult, nCounties, nRecords int) *ResultRow {
	return &ResultRow{
		Timestamp: ts,
		Disease:   disease,
		Exposure:  exposure,
		Category:  category,
		Combo:     combo,
		Effects:   e,
		DIC:       res.DIC,
		WAIC:      res.WAIC,
		NCounties: nCounties,
		NRecords:  nRecords,
		Status:    statusSuccess,
	}
}

// NewFailureRow builds the output row for a combination that failed at
// any stage. Sample sizes are zeroed and the effect columns are empty so
// downstream consumers cannot mistake the row for an estimate.
func NewFailureRow(ts time.Time, disease, exposure, category string, combo Combination, err error) *ResultRow {
	msg := "unknown failure"
	if err != nil {
		msg = err.Error()
	}
	return &ResultRow{
		Timestamp: ts,
		Disease:   disease,
		Exposure:  exposure,
		Category:  category,
		Combo:     combo,
		DIC:       math.NaN(),
		WAIC:      math.NaN(),
		Status:    msg,
	}
}

// Succeeded reports whether the row carries effect estimates.
func (r *ResultRow) Succeeded() bool { return r.Status == statusSuccess }

// fields renders the row in resultHeader order.
func (r *ResultRow) fields() []string {
	rrPerSD, rrPerSDLo, rrPerSDHi := math.NaN(), math.NaN(), math.NaN()
	rr9010, rr9010Lo, rr9010Hi := math.NaN(), math.NaN(), math.NaN()
	pval := "NA"
	if r.Effects != nil {
		rrPerSD, rrPerSDLo, rrPerSDHi = r.Effects.RRPerSD, r.Effects.RRPerSDLower, r.Effects.RRPerSDUpper
		rr9010, rr9010Lo, rr9010Hi = r.Effects.RRP90P10, r.Effects.RRP90P10Lower, r.Effects.RRP90P10Upper
		pval = FormatPValue(r.Effects.PValue)
	}
	return []string{
		r.Timestamp.Format("2006-01-02 15:04:05"),
		r.Disease,
		r.Exposure,
		r.Category,
		string(r.Combo.Measure),
		string(r.Combo.Estimate),
		strconv.Itoa(r.Combo.LagYears),
		string(r.Combo.Model),
		string(r.Combo.Dose),
		formatFloat(rrPerSD),
		formatFloat(rrPerSDLo),
		formatFloat(rrPerSDHi),
		formatFloat(rr9010),
		formatFloat(rr9010Lo),
		formatFloat(rr9010Hi),
		pval,
		formatFloat(r.DIC),
		formatFloat(r.WAIC),
		strconv.Itoa(r.NCounties),
		strconv.Itoa(r.NRecords),
		r.Status,
	}
}

func formatFloat(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "NA"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ResultWriter appends result rows to a delimited output file, flushing
// after every row so a crashed batch keeps everything already attempted.
type ResultWriter struct {
	path string
	f    *os.File
	w    *csv.Writer

	// Log receives retry notices. If it is nil, the standard logger is
	// used.
	Log logrus.FieldLogger
}

// NewResultWriter opens the output file at path, creating parent
// directories as needed. With appendExisting set and a non-empty file
// already present, rows are appended without a new header; otherwise the
// file is truncated and the header written.
func NewResultWriter(path string, appendExisting bool) (*ResultWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return nil, fmt.Errorf("epimap: creating output directory: %v", err)
	}

	writeHeader := true
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendExisting {
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			writeHeader = false
			flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		}
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("epimap: opening output file: %v", err)
	}
	rw := &ResultWriter{path: path, f: f, w: csv.NewWriter(f)}
	if writeHeader {
		if err := rw.flushRecord(resultHeader); err != nil {
			f.Close()
			return nil, err
		}
	}
	return rw, nil
}

// Path returns the file the writer appends to.
func (rw *ResultWriter) Path() string { return rw.path }

// Write appends one row, retrying transient filesystem errors with
// exponential backoff. Output files often live on shared storage.
func (rw *ResultWriter) Write(row *ResultRow) error {
	log := rw.logger()
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	return backoff.RetryNotify(
		func() error {
			return rw.flushRecord(row.fields())
		},
		bo,
		func(err error, d time.Duration) {
			log.Warnf("%v: retrying in %v", err, d)
		},
	)
}

func (rw *ResultWriter) flushRecord(record []string) error {
	if err := rw.w.Write(record); err != nil {
		return fmt.Errorf("epimap: writing result row: %v", err)
	}
	rw.w.Flush()
	if err := rw.w.Error(); err != nil {
		return fmt.Errorf("epimap: flushing result row: %v", err)
	}
	return rw.f.Sync()
}

// Close releases the underlying file.
func (rw *ResultWriter) Close() error {
	rw.w.Flush()
	if err := rw.w.Error(); err != nil {
		rw.f.Close()
		return err
	}
	return rw.f.Close()
}

func (rw *ResultWriter) logger() logrus.FieldLogger {
	if rw.Log != nil {
		return rw.Log
	}
	return logrus.StandardLogger()
}

// OutputPath expands the output filename template. The placeholders
// {disease}, {exposure}, and {timestamp} are replaced and the result
// joined under dir. Exposure names are sanitized for the filesystem.
func OutputPath(dir, template, disease, exposure string, ts time.Time) string {
	name := template
	name = strings.ReplaceAll(name, "{disease}", sanitizeName(disease))
	name = strings.ReplaceAll(name, "{exposure}", sanitizeName(exposure))
	name = strings.ReplaceAll(name, "{timestamp}", ts.Format("20060102_150405"))
	return filepath.Join(dir, name)
}

// sanitizeName replaces filesystem-hostile characters in a name segment.
// Compound names contain commas, slashes, and spaces.
func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
