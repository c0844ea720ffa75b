// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package record stores the metadata of kcore runs so that they can be
// inspected after the run ends.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"kcore.dev/kcore/pkg/abi/linux"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/sentry/kernel"
)

const (
	// metadataFilename is the name of the metadata file relative to the
	// run root directory.
	metadataFilename = "meta.json"

	// metadataLockFilename is the name of a lock file used to serialize
	// writes and reads of the metadata file.
	metadataLockFilename = "meta.lock"
)

// Status is the status of a run.
type Status int

const (
	// Running means the kernel is running tasks.
	Running Status = iota

	// Exited means every task exited.
	Exited

	// Failed means the kernel halted before every task exited, for example
	// because of a timeout or a deadlock.
	Failed
)

// String converts a Status to a string.
func (s Status) String() string {
	switch s {
	case Running:
		return "running"
	case Exited:
		return "exited"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Exit describes one task exit.
type Exit struct {
	PID  int32  `json:"pid"`
	Name string `json:"name"`

	// Status is the raw wait status.
	Status uint32 `json:"status"`

	// Time is the kernel clock reading at exit.
	Time time.Duration `json:"time"`
}

// String implements fmt.Stringer.String.
func (e Exit) String() string {
	return kernel.ExitRecord{
		PID:    kernel.ThreadID(e.PID),
		Name:   e.Name,
		Status: linux.WaitStatus(e.Status),
	}.String()
}

// HostStatus maps the exit to a host process exit code, following the
// shell convention of 128+signal for tasks killed by a signal.
func (e Exit) HostStatus() int {
	ws := linux.WaitStatus(e.Status)
	if ws.Signaled() {
		return 128 + int(ws.TerminationSignal())
	}
	return int(ws.ExitStatus())
}

// Record is the metadata of a run. Within a root directory each run has a
// subdirectory named after its id holding the record as "meta.json".
type Record struct {
	// ID is the run ID.
	ID string `json:"id"`

	// Workload is the path of the workload file.
	Workload string `json:"workload"`

	// Root is the directory containing the metadata file.
	Root string `json:"root"`

	// Flags are the configuration flags that differ from their defaults.
	Flags []string `json:"flags"`

	// Status is the current run status.
	Status Status `json:"status"`

	// Error is the reason the kernel halted, for failed runs.
	Error string `json:"error,omitempty"`

	// StartedAt and FinishedAt are host wall times.
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`

	// InitPID is the pid of the first task.
	InitPID int32 `json:"initPid"`

	// Exits lists the task exits in order.
	Exits []Exit `json:"exits"`
}

func validateID(id string) error {
	idRegex := regexp.MustCompile(`^[\w+-\.]+$`)
	if !idRegex.MatchString(id) {
		return fmt.Errorf("invalid run id: %v", id)
	}
	return nil
}

// Create creates the record of a new run in rootDir. It fails if a run with
// the same id exists.
func Create(rootDir, id, workload string, flags []string) (*Record, error) {
	log.Debugf("Create run %q in root dir: %s", id, rootDir)
	if err := validateID(id); err != nil {
		return nil, err
	}
	runRoot := filepath.Join(rootDir, id)
	unlock, err := lockMetadata(runRoot)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := os.Stat(filepath.Join(runRoot, metadataFilename)); err == nil {
		return nil, fmt.Errorf("run with id %q already exists", id)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("error looking for existing run in %q: %v", runRoot, err)
	}

	r := &Record{
		ID:        id,
		Workload:  workload,
		Root:      runRoot,
		Flags:     flags,
		Status:    Running,
		StartedAt: time.Now(),
	}
	if err := r.save(); err != nil {
		return nil, err
	}
	return r, nil
}

// Load loads the record of the run with the given id. Errors satisfying
// os.IsNotExist mean the run does not exist.
func Load(rootDir, id string) (*Record, error) {
	log.Debugf("Load run %q %q", rootDir, id)
	if err := validateID(id); err != nil {
		return nil, fmt.Errorf("error validating id: %v", err)
	}
	runRoot := filepath.Join(rootDir, id)
	if _, err := os.Stat(runRoot); err != nil {
		// Preserve error so that callers can distinguish 'not found' errors.
		return nil, err
	}

	// Lock the metadata to prevent other kcore instances from writing to it
	// while we are reading it.
	unlock, err := lockMetadata(runRoot)
	if err != nil {
		return nil, err
	}
	defer unlock()

	metaFile := filepath.Join(runRoot, metadataFilename)
	metaBytes, err := os.ReadFile(metaFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("error reading run metadata file %q: %v", metaFile, err)
	}
	var r Record
	if err := json.Unmarshal(metaBytes, &r); err != nil {
		return nil, fmt.Errorf("error unmarshaling run metadata from %q: %v", metaFile, err)
	}
	return &r, nil
}

// List returns the ids of all runs in rootDir, sorted.
func List(rootDir string) ([]string, error) {
	log.Debugf("List runs %q", rootDir)
	ents, err := os.ReadDir(rootDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("ReadDir(%s) failed: %v", rootDir, err)
	}
	var out []string
	for _, e := range ents {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Finish records the outcome of the kernel run and saves the record. runErr
// is the error returned by kernel.Kernel.Run.
func (r *Record) Finish(exits []kernel.ExitRecord, runErr error) error {
	unlock, err := lockMetadata(r.Root)
	if err != nil {
		return err
	}
	defer unlock()

	r.FinishedAt = time.Now()
	r.Exits = r.Exits[:0]
	for _, e := range exits {
		r.Exits = append(r.Exits, Exit{
			PID:    int32(e.PID),
			Name:   e.Name,
			Status: uint32(e.Status),
			Time:   time.Duration(e.Time.Nanoseconds()),
		})
	}
	if runErr != nil {
		r.Status = Failed
		r.Error = runErr.Error()
	} else {
		r.Status = Exited
	}
	return r.save()
}

// InitExit returns the exit of the first task, if it exited.
func (r *Record) InitExit() (Exit, bool) {
	for _, e := range r.Exits {
		if e.PID == r.InitPID {
			return e, true
		}
	}
	return Exit{}, false
}

// Destroy deletes the run's directory.
func (r *Record) Destroy() error {
	log.Debugf("Destroy run %q", r.ID)
	if err := os.RemoveAll(r.Root); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error deleting run root directory %q: %v", r.Root, err)
	}
	return nil
}

// save saves the record to its metadata file.
//
// Precondition: the metadata must be locked with lockMetadata.
func (r *Record) save() error {
	log.Debugf("Save run %q", r.ID)
	metaFile := filepath.Join(r.Root, metadataFilename)
	meta, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("error marshaling run metadata: %v", err)
	}
	if err := os.WriteFile(metaFile, meta, 0640); err != nil {
		return fmt.Errorf("error writing run metadata: %v", err)
	}
	return nil
}

// lockMetadata takes a file lock on the metadata of the run in runRootDir.
// It returns a function that releases the lock.
func lockMetadata(runRootDir string) (func() error, error) {
	if err := os.MkdirAll(runRootDir, 0711); err != nil {
		return nil, fmt.Errorf("error creating run root directory %q: %v", runRootDir, err)
	}
	f := filepath.Join(runRootDir, metadataLockFilename)
	l := flock.NewFlock(f)
	if err := l.Lock(); err != nil {
		return nil, fmt.Errorf("error acquiring lock on run lock file %q: %v", f, err)
	}
	return l.Unlock, nil
}
