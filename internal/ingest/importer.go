package ingest

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/openimsdk/tools/errs"
	"github.com/openimsdk/tools/log"

	"github.com/biblioworks/recordmanager/pkg/record"
)

// ImportFiles ingests record files matching a glob as if they had been
// harvested. With markDeleted, every record found is soft-deleted instead.
func (p *Processor) ImportFiles(ctx context.Context, sourceID, glob string, markDeleted bool) (int, error) {
	ds, ok := p.sources[sourceID]
	if !ok {
		return 0, errs.New("unknown data source", "source", sourceID).Wrap()
	}
	paths, err := filepath.Glob(glob)
	if err != nil {
		return 0, errs.WrapMsg(err, "bad import glob", "glob", glob)
	}
	if len(paths) == 0 {
		return 0, errs.New("no files match", "glob", glob).Wrap()
	}
	sort.Strings(paths)
	total := 0
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return total, errs.WrapMsg(err, "read import file failed", "file", path)
		}
		docs, err := record.Split(data, ds.RecordXPath)
		if err != nil {
			return total, errs.WrapMsg(err, "split import file failed", "file", path)
		}
		for _, doc := range docs {
			oaiID := ""
			if ds.OaiIDXPath != "" {
				oaiID, err = record.InnerText(doc, ds.OaiIDXPath)
				if err != nil {
					return total, err
				}
			}
			if markDeleted && oaiID == "" {
				// Imported records may carry no OAI identity; delete by the
				// derived record id instead.
				driver, err := record.New(ds.Format, doc, "", sourceID, ds.DriverParams)
				if err != nil {
					return total, err
				}
				if driver.ID() == "" {
					return total, errs.WrapMsg(ErrEmptyID, "file", path)
				}
				if err := p.deleteByID(ctx, ds.Prefix()+"."+driver.ID()); err != nil {
					return total, err
				}
				total++
				continue
			}
			n, err := p.StoreRecord(ctx, sourceID, oaiID, markDeleted, doc)
			if err != nil {
				return total, err
			}
			total += n
		}
		log.ZInfo(ctx, "imported file", "file", path, "records", total)
	}
	return total, nil
}
