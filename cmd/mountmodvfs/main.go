// Copyright 2015 Google Inc. All Rights Reserved.
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

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"

	lmodvfs "github.com/reithan/lmodvfs"
	"github.com/reithan/lmodvfs/modvfs"
)

var fMountPoint = flag.String("mount_point", "", "Directory to mount the overlay at; also the loopback source.")
var fOutputDir = flag.String("output_dir", "", "Writable output layer directory.")
var fMods = flag.String("mods", "", "Comma-separated name=path pairs, in ascending priority order.")

var fDebug = flag.Bool("debug", false, "Enable debug logging.")

// parseMods turns "name=path,name=path" into ordered ModSpecs, matching
// the priority order of -mods left to right.
func parseMods(spec string) (mods []modvfs.ModSpec, err error) {
	if spec == "" {
		return nil, nil
	}

	for _, pair := range strings.Split(spec, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, &os.PathError{Op: "parse", Path: pair, Err: os.ErrInvalid}
		}
		mods = append(mods, modvfs.ModSpec{Name: parts[0], Path: parts[1]})
	}
	return mods, nil
}

func main() {
	flag.Parse()

	debugLogger := log.New(os.Stdout, "fuse: ", 0)
	errorLogger := log.New(os.Stderr, "fuse: ", 0)

	if *fMountPoint == "" {
		log.Fatalf("You must set --mount_point.")
	}
	if *fOutputDir == "" {
		log.Fatalf("You must set --output_dir.")
	}

	if err := os.MkdirAll(*fOutputDir, 0777); err != nil {
		log.Fatalf("Failed to create output dir at '%v': %v", *fOutputDir, err)
	}

	mods, err := parseMods(*fMods)
	if err != nil {
		log.Fatalf("Parsing --mods: %v", err)
	}

	cfg := &lmodvfs.MountConfig{
		FSName:      "lmodvfs",
		ErrorLogger: errorLogger,
	}
	if *fDebug {
		cfg.DebugLogger = debugLogger
	}

	mfs, sess, err := modvfs.Mount(*fMountPoint, *fOutputDir, mods, cfg)
	if err != nil {
		log.Fatalf("Mount: %v", err)
	}
	defer sess.Close()

	if err = mfs.Join(context.Background()); err != nil {
		log.Fatalf("Join: %v", err)
	}
}
