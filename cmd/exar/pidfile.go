// Copyright 2019 The exar Authors
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

package main

import (
	"fmt"
	"io/ioutil"
	"os"

	"github.com/gofrs/flock"
)

type pidFile struct {
	fn string
	fl *flock.Flock
}

func newPidFile(fn string) *pidFile {
	return &pidFile{fn: fn}
}

// lock tries to acquire the pid file and write the current process id
// there. Returns true if the operation was successful.
func (pf *pidFile) lock() bool {
	if pf.fl != nil {
		panic("lock() must not be called twice")
	}

	plock := flock.New(pf.fn)
	if l, err := plock.TryLock(); !l || err != nil {
		fmt.Println("Error: could not get lock for ", pf.fn)
		return false
	}

	if err := ioutil.WriteFile(pf.fn, []byte(fmt.Sprintf("%d", os.Getpid())), 0640); err != nil {
		fmt.Println("Error: could not write current pid to ", pf.fn, ", err=", err)
		plock.Unlock()
		return false
	}
	pf.fl = plock
	return true
}

// unlock releases resources acquired by lock.
func (pf *pidFile) unlock() {
	if pf.fl == nil {
		return
	}
	os.Remove(pf.fn)
	pf.fl.Unlock()
	pf.fl = nil
}
