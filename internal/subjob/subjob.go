// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package subjob bundles atoms into the unit of dispatch sent to a slave.
package subjob

import "github.com/clusterrunner/clusterrunner/internal/atomizer"

// Subjob is a bundle of one or more atoms dispatched together to one
// slave. Atoms within a subjob are executed sequentially; subjobs are
// independent of one another.
type Subjob struct {
	BuildID   string
	SubjobID  int
	Atoms     []atomizer.Atom
	Commands  []string
	InFlight  bool
	SlaveID   int
}

// FromAtoms builds one subjob per atom, numbered densely from zero in
// atomization order. This is the simplest dispatch policy the design
// allows; a future policy could group several atoms per subjob.
func FromAtoms(buildID string, atoms []atomizer.Atom, commands []string) []*Subjob {
	subjobs := make([]*Subjob, len(atoms))
	for i, atom := range atoms {
		subjobs[i] = &Subjob{
			BuildID:  buildID,
			SubjobID: i,
			Atoms:    []atomizer.Atom{atom},
			Commands: commands,
		}
	}
	return subjobs
}
