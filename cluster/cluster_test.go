// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cluster

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/testutil/assert"
)

func TestValidate(t *testing.T) {
	for _, c := range []struct {
		name   string
		config Config
		ok     bool
	}{
		{"ok", Config{Self: 1, Machines: []string{"a:1", "b:1", "c:1"}}, true},
		{"empty", Config{}, false},
		{"self out of range", Config{Self: 3, Machines: []string{"a:1", "b:1"}}, false},
		{"negative self", Config{Self: -1, Machines: []string{"a:1"}}, false},
	} {
		err := c.config.Validate()
		if (err == nil) != c.ok {
			t.Errorf("%s: got %v", c.name, err)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	dir, err := ioutil.TempDir("", "cluster")
	assert.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "cluster.json")
	assert.NoError(t, ioutil.WriteFile(path,
		[]byte(`{"self": 1, "machines": ["10.0.0.1:7000", "10.0.0.2:7000"]}`), 0644))
	config, err := LoadConfig(path)
	assert.NoError(t, err)
	assert.EQ(t, config.Self, ProcID(1))
	assert.EQ(t, config.Machines, []string{"10.0.0.1:7000", "10.0.0.2:7000"})
	assert.EQ(t, config.N(), 2)

	assert.NoError(t, ioutil.WriteFile(path, []byte(`{"self": 5, "machines": ["a:1"]}`), 0644))
	if _, err = LoadConfig(path); err == nil {
		t.Error("expected error for out-of-range self")
	}

	if _, err = LoadConfig(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}
