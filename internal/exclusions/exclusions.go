// Package exclusions persists the user's manual block list: server identities
// that must never appear in any output, regardless of routes or filters.
package exclusions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/John-Robertt/subpipe-go/internal/model"
)

const stage = "exclusions"

// formatVersion is bumped only on incompatible schema changes.
const formatVersion = 1

type ExclusionError struct {
	AppError model.AppError
	Cause    error
}

func (e *ExclusionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *ExclusionError) Unwrap() error { return e.Cause }

func newError(code, message, path string, cause error) *ExclusionError {
	return &ExclusionError{
		AppError: model.AppError{
			Code:    code,
			Message: message,
			Stage:   stage,
			URL:     path,
		},
		Cause: cause,
	}
}

// Entry is one excluded endpoint, keyed by model.Server.ID().
type Entry struct {
	ID      string    `json:"id"`
	Reason  string    `json:"reason,omitempty"`
	AddedAt time.Time `json:"added_at"`
}

// List is the on-disk exclusion document. Zero value is usable; Load returns
// an empty current-version list when the file does not exist yet.
type List struct {
	Version      int       `json:"version"`
	LastModified time.Time `json:"last_modified"`
	Exclusions   []Entry   `json:"exclusions"`
}

// Load reads the list at path. A missing file is not an error: first run.
func Load(path string) (*List, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &List{Version: formatVersion}, nil
		}
		return nil, newError("EXCLUSIONS_READ_ERROR", "读取排除列表失败", path, err)
	}
	var l List
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, newError("EXCLUSIONS_PARSE_ERROR", "排除列表不是合法的 JSON", path, err)
	}
	if l.Version > formatVersion {
		return nil, newError("EXCLUSIONS_VERSION_ERROR",
			fmt.Sprintf("排除列表版本不受支持：%d", l.Version), path, nil)
	}
	if l.Version == 0 {
		l.Version = formatVersion
	}
	return &l, nil
}

// Save writes the list atomically: temp file in the same directory, then
// rename. A crash mid-save leaves the previous file intact.
func (l *List) Save(path string) error {
	l.Version = formatVersion
	l.LastModified = time.Now().UTC()

	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return newError("EXCLUSIONS_WRITE_ERROR", "序列化排除列表失败", path, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".exclusions-*.json")
	if err != nil {
		return newError("EXCLUSIONS_WRITE_ERROR", "创建临时文件失败", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return newError("EXCLUSIONS_WRITE_ERROR", "写入排除列表失败", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return newError("EXCLUSIONS_WRITE_ERROR", "写入排除列表失败", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return newError("EXCLUSIONS_WRITE_ERROR", "替换排除列表失败", path, err)
	}
	return nil
}

// Add appends id unless already present; an existing entry keeps its original
// AddedAt and only the reason is updated. Reports whether the list changed.
func (l *List) Add(id, reason string) bool {
	for i := range l.Exclusions {
		if l.Exclusions[i].ID == id {
			if l.Exclusions[i].Reason == reason {
				return false
			}
			l.Exclusions[i].Reason = reason
			return true
		}
	}
	l.Exclusions = append(l.Exclusions, Entry{
		ID:      id,
		Reason:  reason,
		AddedAt: time.Now().UTC(),
	})
	return true
}

// Remove deletes id from the list, reporting whether it was present.
func (l *List) Remove(id string) bool {
	for i := range l.Exclusions {
		if l.Exclusions[i].ID == id {
			l.Exclusions = append(l.Exclusions[:i], l.Exclusions[i+1:]...)
			return true
		}
	}
	return false
}

// IDSet returns the excluded ids in the form the selector consumes.
func (l *List) IDSet() map[string]struct{} {
	set := make(map[string]struct{}, len(l.Exclusions))
	for _, e := range l.Exclusions {
		set[e.ID] = struct{}{}
	}
	return set
}
