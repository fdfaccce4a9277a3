// Copyright (C) 2025 Solarcloud Labs.
// See LICENSE for copying information.

// Package jsonstore persists JSON documents with atomic replacement.
package jsonstore

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/zeebo/errs"
)

// Error is the default error class for the jsonstore package.
var Error = errs.Class("jsonstore")

// ErrNotFound is returned by Load when the file does not exist yet.
var ErrNotFound = errs.Class("jsonstore: not found")

// File reads and writes a single JSON document on disk. Save writes to a
// temporary file in the same directory and renames it over the target, so
// readers never observe a torn document.
type File struct {
	path string
}

// NewFile creates a File bound to path. The directory is created lazily on
// first Save.
func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the on-disk location of the document.
func (file *File) Path() string { return file.path }

// Load unmarshals the document into v. A missing file yields ErrNotFound.
func (file *File) Load(v interface{}) error {
	data, err := os.ReadFile(file.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound.New("%s", file.path)
		}
		return Error.Wrap(err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return Error.New("malformed %s: %v", file.path, err)
	}
	return nil
}

// Save marshals v and atomically replaces the document.
func (file *File) Save(v interface{}) (err error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return Error.Wrap(err)
	}

	dir := filepath.Dir(file.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Error.Wrap(err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(file.path)+".tmp*")
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, os.Remove(tmp.Name()))
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return errs.Combine(Error.Wrap(err), tmp.Close())
	}
	if err := tmp.Sync(); err != nil {
		return errs.Combine(Error.Wrap(err), tmp.Close())
	}
	if err := tmp.Close(); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(os.Rename(tmp.Name(), file.path))
}
