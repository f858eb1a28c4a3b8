// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import "testing"

func TestCurrentDefaultsToDevel(t *testing.T) {
	info := Current()
	if info.Version == "" {
		t.Error("version is empty")
	}
	if Version == "" && info.Version != "devel" {
		t.Errorf("version = %q without injection, want devel", info.Version)
	}
}

func TestStringIncludesShortRevision(t *testing.T) {
	info := Info{
		Version:  "1.2.0",
		Revision: "0123456789abcdef0123456789abcdef01234567",
		Modified: true,
	}
	if got := info.String(); got != "1.2.0 (0123456789ab, modified)" {
		t.Errorf("String() = %q", got)
	}

	plain := Info{Version: "devel"}
	if got := plain.String(); got != "devel" {
		t.Errorf("String() = %q", got)
	}
}
