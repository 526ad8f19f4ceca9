// Copyright 2022 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package idgen_test

import (
	"testing"

	"mellium.im/jingle/internal/idgen"
)

func TestRandomID(t *testing.T) {
	for _, n := range []int{1, 2, 7, 8, idgen.IDLen, 63} {
		id := idgen.RandomID(n)
		if len(id) != n {
			t.Errorf("Got id of length %d but expected %d", len(id), n)
		}
	}
	if idgen.RandomID(idgen.IDLen) == idgen.RandomID(idgen.IDLen) {
		t.Error("Two identifiers generated in a row should not be equal")
	}
}
