package store

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/CZERTAINLY/Foreman/internal/model"
)

// Row is the column set shared by both tables.
type Row struct {
	Doc       string
	Status    int32
	UpdatedAt int64 // unix nanoseconds
}

func Marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Nanos is the representation of timestamps in the indexed columns.
func Nanos(t time.Time) int64 {
	return t.UnixNano()
}

func (r Row) Process() (model.Process, error) {
	var p model.Process
	if err := json.Unmarshal([]byte(r.Doc), &p); err != nil {
		return model.Process{}, Fail("decoding process", err)
	}
	p.Status = model.Status(r.Status)
	p.UpdatedAt = time.Unix(0, r.UpdatedAt).UTC()
	return p, nil
}

func (r Row) Subprocess() (model.Subprocess, error) {
	var sp model.Subprocess
	if err := json.Unmarshal([]byte(r.Doc), &sp); err != nil {
		return model.Subprocess{}, Fail("decoding subprocess", err)
	}
	sp.Status = model.Status(r.Status)
	sp.UpdatedAt = time.Unix(0, r.UpdatedAt).UTC()
	return sp, nil
}
