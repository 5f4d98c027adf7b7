// Copyright 2026 The gVisor Authors.
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

// Package cmd holds implementations of the gpusched commands.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gvisor.dev/gpusched/pkg/log"
)

// Errorf logs an error to the log and to stderr. Subcommands return the
// result with subcommands.ExitFailure.
func Errorf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	log.Warningf(format, args...)
}

// Fatalf logs the same way as Errorf and exits the process.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	os.Exit(128)
}

// writeJSON writes v to w as indented JSON.
func writeJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %T: %w", v, err)
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}
