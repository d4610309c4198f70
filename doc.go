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

// Package fuse is the host adapter between a mounted kernel FUSE connection
// and a fuseutil.FileSystem implementation.
//
// The primary elements of interest are:
//
//   - The fuseutil.FileSystem interface, which defines the methods a file
//     system must implement.
//
//   - fuseutil.NotImplementedFileSystem, which may be embedded to obtain
//     default implementations for methods a given file system doesn't care
//     about.
//
//   - Mount, which mounts a Server (such as one built from a FileSystem by
//     fuseutil.NewFileSystemServer) at a directory and serves requests
//     from the kernel until the connection is closed or unmounted.
//
// This package itself owns only the translation between bazil.org/fuse's
// wire-level requests and the fuseops op-struct vocabulary; the actual mod
// overlay filesystem lives in package modvfs.
package fuse
