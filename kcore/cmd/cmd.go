// Copyright 2018 The gVisor Authors.
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

// Package cmd holds implementations of the kcore commands.
package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"kcore.dev/kcore/pkg/log"
)

// ErrorLogger is where error messages are written in addition to the debug
// log.
var ErrorLogger io.Writer = os.Stderr

// Errorf logs the same message to the debug log and ErrorLogger, and returns
// a failure status code.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	log.Warningf("FATAL ERROR: "+format, args...)
	fmt.Fprintf(ErrorLogger, "kcore: "+format+"\n", args...)
	return subcommands.ExitFailure
}

// Fatalf logs the same message as Errorf and exits with a failure status
// code.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(128)
}
