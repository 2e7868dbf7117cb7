// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package zucchini

import "github.com/saferwall/zucchini/affinity"

// labelLookup adapts an *affinity.LabelManager (whose Label/NewLabel
// methods return uint32 labels keyed by old/new target index) to
// equivalence.LabelLookup (which wants int labels under matching
// OldLabel/NewLabel names).
type labelLookup struct {
	m *affinity.LabelManager
}

func (l labelLookup) OldLabel(key int) (int, bool) {
	label, ok := l.m.Label(key)
	return int(label), ok
}

func (l labelLookup) NewLabel(key int) (int, bool) {
	label, ok := l.m.NewLabel(key)
	return int(label), ok
}
