package rawstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	gzip "github.com/klauspost/compress/gzip"

	"github.com/laylaymen/kriptobot-sub006/models"
)

// partitionPath derives the file path for a record received at t (UTC):
// <root>/<symbol>/<dataType>/<year>/<month>/<day>/<dataType>_<hour>.json[.gz]
// for hourly layout, or without the day directory and with the day as the
// file suffix for daily layout.
func partitionPath(root, symbol, dataType string, t time.Time, daily, compress bool) string {
	t = t.UTC()
	ext := ".json"
	if compress {
		ext = ".json.gz"
	}
	if daily {
		return filepath.Join(root, symbol, dataType,
			fmt.Sprintf("%04d", t.Year()),
			fmt.Sprintf("%02d", int(t.Month())),
			fmt.Sprintf("%s_%02d%s", dataType, t.Day(), ext))
	}
	return filepath.Join(root, symbol, dataType,
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", int(t.Month())),
		fmt.Sprintf("%02d", t.Day()),
		fmt.Sprintf("%s_%02d%s", dataType, t.Hour(), ext))
}

// partitionStart truncates t to its partition boundary.
func partitionStart(t time.Time, daily bool) time.Time {
	t = t.UTC()
	if daily {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return t.Truncate(time.Hour)
}

func partitionStep(daily bool) time.Duration {
	if daily {
		return 24 * time.Hour
	}
	return time.Hour
}

func writePartition(path string, pf *models.PartitionFile, compress bool) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create partition dir: %w", err)
	}

	sort.SliceStable(pf.Records, func(i, j int) bool {
		return pf.Records[i].ReceivedAt < pf.Records[j].ReceivedAt
	})
	pf.Meta.MessageCount = len(pf.Records)
	if len(pf.Records) > 0 {
		pf.Meta.StartTime = pf.Records[0].ReceivedAt
		pf.Meta.EndTime = pf.Records[len(pf.Records)-1].ReceivedAt
	}

	data, err := json.Marshal(pf)
	if err != nil {
		return 0, fmt.Errorf("marshal partition: %w", err)
	}

	if compress {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(data); err != nil {
			return 0, fmt.Errorf("compress partition: %w", err)
		}
		if err := gz.Close(); err != nil {
			return 0, fmt.Errorf("compress partition: %w", err)
		}
		data = buf.Bytes()
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return 0, fmt.Errorf("write partition: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("finalize partition: %w", err)
	}
	return int64(len(data)), nil
}

func readPartition(path string) (*models.PartitionFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open compressed partition: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read partition: %w", err)
	}
	var pf models.PartitionFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("decode partition: %w", err)
	}
	return &pf, nil
}
