package veto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// #region file-source

// FileAlarmSource reads alarm states from a JSON array on disk, e.g.
// [{"alarm":"system_overload","state":"FIRING"}]. A missing file means no
// alarms.
type FileAlarmSource struct {
	Path string
}

// Alarms implements AlarmSource.
func (f FileAlarmSource) Alarms(_ context.Context) ([]AlarmTransition, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read alarm file %s: %w", f.Path, err)
	}
	var out []AlarmTransition
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse alarm file %s: %w", f.Path, err)
	}
	return out, nil
}

// #endregion file-source
