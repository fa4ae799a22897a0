package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	errMessageReadResults   = "read result log"
	errMessageDecodeResults = "decode result log"
	errMessageWriteResults  = "write result log"
	resultTempPattern       = "results-*.json"
)

// ResultLog is the append-only attempt journal. Records are never mutated;
// each append rewrites the whole file so a crash leaves the previous
// fully-written log, never a torn tail.
type ResultLog struct {
	path   string
	runID  string
	logger *zap.Logger
	clock  func() time.Time

	mutex   sync.Mutex
	records []ResultRecord
}

// ResultLogOptions configures a ResultLog.
type ResultLogOptions struct {
	Path   string
	Logger *zap.Logger
	Clock  func() time.Time
}

// OpenResultLog loads any prior records and assigns this run a fresh id.
func OpenResultLog(options ResultLogOptions) (*ResultLog, error) {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := options.Clock
	if clock == nil {
		clock = time.Now
	}

	log := &ResultLog{path: options.Path, runID: uuid.NewString(), logger: logger, clock: clock}

	fileBytes, readErr := os.ReadFile(options.Path)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return log, nil
		}
		return nil, fmt.Errorf("%s: %w", errMessageReadResults, readErr)
	}
	if err := json.Unmarshal(fileBytes, &log.records); err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageDecodeResults, err)
	}
	return log, nil
}

// RunID identifies the current run on every appended record.
func (log *ResultLog) RunID() string { return log.runID }

// Append stamps the record with the run id and timestamp and persists it.
func (log *ResultLog) Append(record ResultRecord) error {
	log.mutex.Lock()
	defer log.mutex.Unlock()

	record.RunID = log.runID
	record.Timestamp = log.clock().Format(timeLayout)
	log.records = append(log.records, record)

	encoded, encodeErr := json.MarshalIndent(log.records, "", "  ")
	if encodeErr != nil {
		return fmt.Errorf("%s: %w", errMessageWriteResults, encodeErr)
	}
	tempFile, tempErr := os.CreateTemp(filepath.Dir(log.path), resultTempPattern)
	if tempErr != nil {
		return fmt.Errorf("%s: %w", errMessageWriteResults, tempErr)
	}
	tempPath := tempFile.Name()
	if _, writeErr := tempFile.Write(encoded); writeErr != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return fmt.Errorf("%s: %w", errMessageWriteResults, writeErr)
	}
	if closeErr := tempFile.Close(); closeErr != nil {
		os.Remove(tempPath)
		return fmt.Errorf("%s: %w", errMessageWriteResults, closeErr)
	}
	if renameErr := os.Rename(tempPath, log.path); renameErr != nil {
		os.Remove(tempPath)
		return fmt.Errorf("%s: %w", errMessageWriteResults, renameErr)
	}
	return nil
}

// Records returns a copy of every record appended so far, oldest first.
func (log *ResultLog) Records() []ResultRecord {
	log.mutex.Lock()
	defer log.mutex.Unlock()
	copied := make([]ResultRecord, len(log.records))
	copy(copied, log.records)
	return copied
}
