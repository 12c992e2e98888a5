// Copyright 2024 The OTA Flash HAL authors. All Rights Reserved.
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

package ota

import (
	"context"
	"errors"
	"fmt"
	"io"

	"k8s.io/klog/v2"
)

// Transfer stages the firmware image read from r using the default
// descriptor, then finishes the session. progress, if set, is called with
// the number of bytes consumed from r after each chunk.
//
// On success the image is queued for installation and the system is
// restarted. If the image cannot be read or written the session is
// abandoned without restarting.
func (s *Session) Transfer(ctx context.Context, r io.Reader, progress func(n int)) error {
	d := Descriptor{Store: Firmware}
	if err := s.Prepare(&d, 0); err != nil {
		return err
	}
	abandon := func(err error) error {
		if ferr := s.Finish(&d, 0); ferr != nil {
			klog.Warningf("Abandoning transfer: %v", ferr)
		}
		return err
	}

	buf := make([]byte, d.ChunkSize)
	total := 0
	for off := uint32(0); ; off += d.ChunkSize {
		if err := ctx.Err(); err != nil {
			return abandon(err)
		}
		n, err := io.ReadFull(r, buf)
		if err == io.EOF {
			break
		}
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return abandon(fmt.Errorf("read firmware: %w", err))
		}
		if off+d.ChunkSize > d.FileLength {
			return abandon(fmt.Errorf("firmware larger than %d bytes: %w", d.FileLength, ErrInvalidRange))
		}
		// Pad the final chunk with erased bytes.
		for i := n; i < len(buf); i++ {
			buf[i] = 0xff
		}
		d.ChunkAddress = d.FileAddress + off
		if err := s.SaveChunk(&d, buf); err != nil {
			return abandon(err)
		}
		total += n
		if progress != nil {
			progress(total)
		}
		if n < len(buf) {
			break
		}
	}
	klog.Infof("Transferred %d bytes", total)
	return s.Finish(&d, Success)
}
