// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// resultCache stores expensive stage results content-addressed by the
// dataset fingerprint plus the stage parameters. A stale entry cannot
// be returned: different inputs or parameters hash to a different key.
type resultCache struct {
	Dir string
}

func (c *resultCache) enabled() bool { return c != nil && c.Dir != "" }

func cacheKey(parts ...interface{}) string {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		fmt.Fprintf(h, "%v\x00", p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Load decodes the entry for key into out and reports whether it was
// found. Undecodable entries count as missing and will be recomputed.
func (c *resultCache) Load(key string, out interface{}) bool {
	if !c.enabled() {
		return false
	}
	f, err := os.Open(filepath.Join(c.Dir, key+".gob"))
	if err != nil {
		return false
	}
	defer f.Close()
	if err := gob.NewDecoder(f).Decode(out); err != nil {
		log.Warnf("cache: discarding unreadable entry %s: %s", key, err)
		return false
	}
	log.Infof("cache: reusing %s", key[:12])
	return true
}

func (c *resultCache) Save(key string, v interface{}) error {
	if !c.enabled() {
		return nil
	}
	if err := os.MkdirAll(c.Dir, 0777); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(c.Dir, key+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := gob.NewEncoder(tmp).Encode(v); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(c.Dir, key+".gob"))
}
