// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package polish

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenDraft(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)

	draftPath := filepath.Join(tmpdir, "draft.fasta")
	require.NoError(t, os.WriteFile(draftPath, []byte(">s1\nACGTACGT\n"), 0644))
	require.NoError(t, os.WriteFile(draftPath+".fai", []byte("s1\t8\t4\t8\t9\n"), 0644))

	fa, faClose, err := openDraft(context.Background(), draftPath)
	require.NoError(t, err)
	defer func() { require.NoError(t, faClose()) }()

	assert.Equal(t, []string{"s1"}, fa.SeqNames())
	got, err := fa.Get("s1", 2, 6)
	require.NoError(t, err)
	assert.Equal(t, "GTAC", got)
}

func TestOpenDraftMissingIndex(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)

	// Without a .fai the draft is loaded into memory instead.
	draftPath := filepath.Join(tmpdir, "draft.fasta")
	require.NoError(t, os.WriteFile(draftPath, []byte(">s1\nACGT\n"), 0644))
	fa, faClose, err := openDraft(context.Background(), draftPath)
	require.NoError(t, err)
	defer func() { require.NoError(t, faClose()) }()
	got, err := fa.Get("s1", 0, 4)
	require.NoError(t, err)
	assert.Equal(t, "ACGT", got)
}
