/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package disk creates disk images and copy-on-write overlays with qemu-img.
package disk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/alexandremahdhaoui/easy-qemu/pkg/execcontext"
)

const (
	// DefaultFormat is the image format used for new images and overlays.
	DefaultFormat = "qcow2"

	defaultQemuImg = "qemu-img"
)

var (
	ErrPathRequired     = errors.New("image path is required")
	ErrSizeRequired     = errors.New("image size is required to create a missing image")
	ErrStatImage        = errors.New("failed to stat image")
	ErrCreateImage      = errors.New("failed to create image")
	ErrCreateOverlay    = errors.New("failed to create overlay image")
	ErrBackingFileEmpty = errors.New("backing file is required")
)

// ImageManager creates images through qemu-img.
type ImageManager struct {
	runner  execcontext.Runner
	qemuImg string
}

// Option is a functional option for configuring ImageManager
type Option func(*ImageManager)

// WithQemuImg sets the qemu-img executable.
func WithQemuImg(path string) Option {
	return func(m *ImageManager) {
		if path != "" {
			m.qemuImg = path
		}
	}
}

// NewImageManager creates a new ImageManager
func NewImageManager(runner execcontext.Runner, opts ...Option) *ImageManager {
	m := &ImageManager{
		runner:  runner,
		qemuImg: defaultQemuImg,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureImage creates the image at path with sizeBytes unless a file already
// exists there. It reports whether an image was created.
func (m *ImageManager) EnsureImage(ctx context.Context, path string, sizeBytes int64) (bool, error) {
	if path == "" {
		return false, ErrPathRequired
	}

	exists, err := fileExists(path)
	if err != nil {
		return false, err
	}
	if exists {
		slog.Debug("image already exists", "path", path)
		return false, nil
	}
	if sizeBytes <= 0 {
		return false, fmt.Errorf("%w: %s", ErrSizeRequired, path)
	}

	if _, err := m.runner.Run(ctx, m.qemuImg,
		"create", "-f", DefaultFormat, path, strconv.FormatInt(sizeBytes, 10),
	); err != nil {
		return false, fmt.Errorf("%w %s: %w", ErrCreateImage, path, err)
	}

	return true, nil
}

// EnsureOverlay creates a copy-on-write overlay at path backed by
// backingFile unless a file already exists at path.
func (m *ImageManager) EnsureOverlay(ctx context.Context, path, backingFile string) (bool, error) {
	if path == "" {
		return false, ErrPathRequired
	}
	if backingFile == "" {
		return false, ErrBackingFileEmpty
	}

	exists, err := fileExists(path)
	if err != nil {
		return false, err
	}
	if exists {
		slog.Debug("overlay already exists", "path", path)
		return false, nil
	}

	if _, err := m.runner.Run(ctx, m.qemuImg,
		"create", "-f", DefaultFormat, "-b", backingFile, "-F", DefaultFormat, path,
	); err != nil {
		return false, fmt.Errorf("%w %s: %w", ErrCreateOverlay, path, err)
	}

	return true, nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("%w %s: %w", ErrStatImage, path, err)
}
