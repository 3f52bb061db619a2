package store

import (
	"io/fs"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
)

// Stats is a compact health view of the pebble store. The admin stats
// endpoint reports it so operators can watch disk growth without shell
// access to the store directory.
type Stats struct {
	DiskBytes         uint64  `json:"disk_bytes"`
	WALBytes          uint64  `json:"wal_bytes,omitempty"`
	WALFsyncP99Ms     float64 `json:"wal_fsync_p99_ms,omitempty"`
	L0Files           int     `json:"l0_files,omitempty"`
	L0Bytes           uint64  `json:"l0_bytes,omitempty"`
	CompactionBacklog uint64  `json:"compaction_backlog,omitempty"`
}

// GetStats returns best-effort store health numbers. DiskBytes is always
// computed by walking the store directory; the remaining fields come from
// pebble's own metrics when the running pebble version exposes them.
func GetStats() Stats {
	var s Stats
	if db == nil || dbPath == "" {
		return s
	}
	var total uint64
	_ = filepath.WalkDir(dbPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if fi, err := d.Info(); err == nil {
			total += uint64(fi.Size())
		}
		return nil
	})
	s.DiskBytes = total

	// pebble's Metrics struct reshuffles between releases; pull what we
	// need reflectively instead of chasing field paths per version.
	if m := db.Metrics(); m != nil {
		flat := make(map[string]float64)
		flattenStruct("", reflect.ValueOf(m), flat)
		if v := findMetric(flat, `(?i)wal.*(size|bytes|total)`); v > 0 {
			s.WALBytes = uint64(v)
		}
		if v := findMetric(flat, `(?i)l0.*files|(?i)level0.*files`); v > 0 {
			s.L0Files = int(v)
		}
		if v := findMetric(flat, `(?i)l0.*bytes|(?i)level0.*bytes`); v > 0 {
			s.L0Bytes = uint64(v)
		}
		if v := findMetric(flat, `(?i)fsync.*p99|(?i)wal.*fsync.*p99`); v > 0 {
			s.WALFsyncP99Ms = v
		}
		if v := findMetric(flat, `(?i)compaction.*backlog|(?i)compaction.*pending.*bytes`); v > 0 {
			s.CompactionBacklog = uint64(v)
		}
	}
	return s
}

func findMetric(flat map[string]float64, pattern string) float64 {
	re := regexp.MustCompile(pattern)
	for k, v := range flat {
		if re.MatchString(k) {
			return v
		}
		if re.MatchString(strings.ReplaceAll(k, ".", "_")) {
			return v
		}
	}
	return 0
}

// flattenStruct walks a struct (through pointers and interfaces) and
// records every numeric field keyed by dotted path.
func flattenStruct(prefix string, v reflect.Value, out map[string]float64) {
	if !v.IsValid() {
		return
	}
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return
	}
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		f := v.Field(i)
		name := t.Field(i).Name
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		fv := f
		for fv.Kind() == reflect.Interface {
			if fv.IsNil() {
				fv = reflect.Value{}
				break
			}
			fv = fv.Elem()
		}
		switch fv.Kind() {
		case reflect.Struct:
			flattenStruct(key, fv, out)
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			out[key] = float64(fv.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			out[key] = float64(fv.Uint())
		case reflect.Float32, reflect.Float64:
			out[key] = fv.Float()
		}
	}
}
