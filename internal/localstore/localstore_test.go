/*
 * Copyright 2024 The galley Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package localstore

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenOutputThenInputRoundTrip(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	out, err := s.OpenOutput(context.Background(), "a.txt")
	require.NoError(t, err)
	_, err = out.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, out.Close())

	assert.True(t, s.Exists("a.txt"))
	in, err := s.OpenInput(context.Background(), "a.txt")
	require.NoError(t, err)
	defer in.Close()
	b, err := io.ReadAll(in)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
}

func TestReadWhileWriteTails(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	out, err := s.OpenOutput(context.Background(), "a.txt")
	require.NoError(t, err)
	_, err = out.Write([]byte("first-"))
	require.NoError(t, err)

	in, err := s.OpenInput(context.Background(), "a.txt")
	require.NoError(t, err)
	defer in.Close()

	readDone := make(chan []byte)
	go func() {
		b, _ := io.ReadAll(in)
		readDone <- b
	}()

	time.Sleep(20 * time.Millisecond)
	_, err = out.Write([]byte("second"))
	require.NoError(t, err)
	require.NoError(t, out.Close())

	select {
	case b := <-readDone:
		assert.Equal(t, "first-second", string(b))
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not observe completed write in time")
	}
}

func TestDeleteRefusesWhileLocked(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	out, err := s.OpenOutput(context.Background(), "a.txt")
	require.NoError(t, err)
	_, err = out.Write([]byte("x"))
	require.NoError(t, err)

	assert.True(t, s.IsWriteLocked("a.txt"))
	ok, err := s.Delete("a.txt")
	require.NoError(t, err)
	assert.False(t, ok, "delete must refuse while the file is still being written")

	require.NoError(t, out.Close())
	assert.False(t, s.IsWriteLocked("a.txt"))
	ok, err = s.Delete("a.txt")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWaitForWriteUnlock(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	out, err := s.OpenOutput(context.Background(), "a.txt")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = s.WaitForWriteUnlock(context.Background(), "a.txt")
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("wait returned before the writer closed")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, out.Close())
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wait did not return after writer closed")
	}
}

func TestCopy(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	out, err := s.OpenOutput(context.Background(), "src.txt")
	require.NoError(t, err)
	_, err = out.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, out.Close())

	require.NoError(t, s.Copy(context.Background(), "src.txt", "dst.txt"))
	in, err := s.OpenInput(context.Background(), "dst.txt")
	require.NoError(t, err)
	defer in.Close()
	b, err := io.ReadAll(in)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(b))
}
