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

package fusetesting

import (
	"fmt"
	"os"
	"reflect"
	"syscall"
	"time"

	"github.com/jacobsa/oglematchers"
)

// Match os.FileInfo values that specify an mtime equal to the given time.
func MtimeIs(expected time.Time) oglematchers.Matcher {
	return oglematchers.NewMatcher(
		func(c interface{}) error { return mtimeIs(c, expected) },
		fmt.Sprintf("mtime is %v", expected))
}

func mtimeIs(c interface{}, expected time.Time) error {
	fi, ok := c.(os.FileInfo)
	if !ok {
		return fmt.Errorf("which is of type %v", reflect.TypeOf(c))
	}

	if fi.ModTime() != expected {
		d := fi.ModTime().Sub(expected)
		return fmt.Errorf("which has mtime %v, off by %v", fi.ModTime(), d)
	}

	return nil
}

// Match os.FileInfo values that specify a file birth time equal to the given
// time. Linux has no birth time in struct stat, so this matches everything;
// it exists so tests written against it compile the same on platforms that
// do carry one.
func BirthtimeIs(expected time.Time) oglematchers.Matcher {
	return oglematchers.NewMatcher(
		func(c interface{}) error { return nil },
		fmt.Sprintf("birthtime is %v (unchecked on linux)", expected))
}

// Extract the inode number backing an os.FileInfo, for tests that need to
// assert two directory entries name the same underlying file.
func InodeNumber(fi os.FileInfo) (ino uint64, ok bool) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return st.Ino, true
}
