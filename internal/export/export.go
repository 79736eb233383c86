// Package export writes stored records back out as an XML collection, with
// optional dedup annotations for downstream consumers.
package export

import (
	"bufio"
	"context"
	"encoding/xml"
	"os"
	"strings"
	"time"

	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"

	"github.com/biblioworks/recordmanager/pkg/common/storage/controller"
	"github.com/biblioworks/recordmanager/pkg/common/storage/database"
	"github.com/biblioworks/recordmanager/pkg/common/storage/model"
)

// AddDedupID controls whether exported records carry their group id.
const (
	DedupIDNever   = ""
	DedupIDDeduped = "deduped"
	DedupIDAlways  = "always"
)

// Options select and shape the export.
type Options struct {
	File        string
	DeletedFile string
	From        time.Time
	Skip        int
	SourceID    string
	SingleID    string
	// XPath keeps only records whose payload contains the element.
	XPath string
	// SortDedup orders the output so group members are adjacent.
	SortDedup bool
	AddDedupID string
}

// Exporter streams records into export files.
type Exporter struct {
	db *controller.RecordDatabase
}

func New(db *controller.RecordDatabase) *Exporter {
	return &Exporter{db: db}
}

// Export writes the selected records as one XML collection and, optionally,
// the ids of deleted records to a separate file.
func (e *Exporter) Export(ctx context.Context, opts Options) (int, error) {
	out, err := openOutput(opts.File)
	if err != nil {
		return 0, err
	}
	if out != os.Stdout {
		defer out.Close()
	}
	w := bufio.NewWriter(out)

	var deleted *os.File
	if opts.DeletedFile != "" {
		deleted, err = os.Create(opts.DeletedFile)
		if err != nil {
			return 0, errs.WrapMsg(err, "create deleted file failed", "file", opts.DeletedFile)
		}
		defer deleted.Close()
	}

	if _, err := w.WriteString(xml.Header + "<collection>\n"); err != nil {
		return 0, errs.Wrap(err)
	}
	count := 0
	skipped := 0
	write := func(rec *model.Record) (bool, error) {
		if rec.Deleted {
			if deleted != nil {
				if _, err := deleted.WriteString(rec.ID + "\n"); err != nil {
					return false, errs.Wrap(err)
				}
			}
			return true, nil
		}
		if opts.XPath != "" && !containsElement(rec.Data(), opts.XPath) {
			return true, nil
		}
		if opts.Skip > 0 && skipped < opts.Skip {
			skipped++
			return true, nil
		}
		if err := writeRecord(w, rec, opts.AddDedupID); err != nil {
			return false, err
		}
		count++
		return true, nil
	}

	switch {
	case opts.SingleID != "":
		rec, err := e.db.Record.Get(ctx, opts.SingleID)
		if err != nil {
			if database.IsNotFound(err) {
				break
			}
			return 0, err
		}
		if _, err := write(rec); err != nil {
			return 0, err
		}
	case opts.SortDedup:
		if err := e.exportSorted(ctx, opts, write); err != nil {
			return 0, err
		}
	default:
		filter := database.RecordFilter{SourceID: opts.SourceID, UpdatedAfter: opts.From}
		if err := e.db.Record.Iterate(ctx, filter, write); err != nil {
			return 0, err
		}
	}

	if _, err := w.WriteString("</collection>\n"); err != nil {
		return 0, errs.Wrap(err)
	}
	if err := w.Flush(); err != nil {
		return 0, errs.Wrap(err)
	}
	log.ZInfo(ctx, "export complete", "file", opts.File, "records", count)
	return count, nil
}

// exportSorted emits group members adjacently: groups first in group order,
// then ungrouped records.
func (e *Exporter) exportSorted(ctx context.Context, opts Options, write func(*model.Record) (bool, error)) error {
	exported := map[string]struct{}{}
	err := e.db.Dedup.Iterate(ctx, func(group *model.DedupGroup) (bool, error) {
		if group.Deleted {
			return true, nil
		}
		members, err := e.db.Record.Find(ctx, database.RecordFilter{
			DedupIDs: []string{group.ID},
			SourceID: opts.SourceID,
		}, 0)
		if err != nil {
			return false, err
		}
		for _, m := range members {
			if !opts.From.IsZero() && m.Updated.Before(opts.From) {
				continue
			}
			if _, err := write(m); err != nil {
				return false, err
			}
			exported[m.ID] = struct{}{}
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	filter := database.RecordFilter{SourceID: opts.SourceID, UpdatedAfter: opts.From}
	return e.db.Record.Iterate(ctx, filter, func(rec *model.Record) (bool, error) {
		if _, ok := exported[rec.ID]; ok {
			return true, nil
		}
		return write(rec)
	})
}

func writeRecord(w *bufio.Writer, rec *model.Record, addDedupID string) error {
	data := rec.Data()
	annotate := addDedupID == DedupIDAlways || (addDedupID == DedupIDDeduped && rec.DedupID != "")
	if annotate {
		data = injectDedupID(data, rec.DedupID)
	}
	if _, err := w.WriteString(data); err != nil {
		return errs.Wrap(err)
	}
	return errs.Wrap(w.WriteByte('\n'))
}

// injectDedupID adds a dedupId attribute to the record's root element.
func injectDedupID(data, dedupID string) string {
	i := strings.IndexAny(data, " >")
	if i <= 0 || !strings.HasPrefix(data, "<") {
		return data
	}
	var escaped strings.Builder
	xml.EscapeText(&escaped, []byte(dedupID))
	return data[:i] + ` dedupId="` + escaped.String() + `"` + data[i:]
}

func containsElement(data, path string) bool {
	name := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		name = path[i+1:]
	}
	return strings.Contains(data, "<"+name+">") || strings.Contains(data, "<"+name+" ") ||
		strings.Contains(data, ":"+name+">") || strings.Contains(data, ":"+name+" ")
}

func openOutput(path string) (*os.File, error) {
	if path == "" || path == "-" {
		return os.Stdout, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errs.WrapMsg(err, "create export file failed", "file", path)
	}
	return f, nil
}
