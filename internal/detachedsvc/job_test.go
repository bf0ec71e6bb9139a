package detachedsvc

import (
	"os"
	"testing"
	"time"

	"github.com/shoenig/test/must"
)

func TestStripBeginEnd(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "echo hi", "echo hi"},
		{
			"wrapped",
			"begin\necho hi\necho bye\nend",
			"echo hi\necho bye",
		},
		{
			"wrapped with blank padding",
			"\n  begin  \necho hi\n  end  \n\n",
			"echo hi",
		},
		{"unbalanced, left alone", "begin\necho hi", "begin\necho hi"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			must.Eq(t, c.want, stripBeginEnd(c.in))
		})
	}
}

func TestRegistrySubmit_Done(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)

	job, err := r.Submit("echo job1-out; echo job1-err 1>&2", true, nil)
	must.NoError(t, err)

	select {
	case <-waitDone(job):
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish in time")
	}

	must.Eq(t, StatusDone, job.Status())

	out, err := os.ReadFile(job.StdoutPath)
	must.NoError(t, err)
	must.Eq(t, "job1-out\n", string(out))

	errOut, err := os.ReadFile(job.StderrPath)
	must.NoError(t, err)
	must.Eq(t, "job1-err\n", string(errOut))
}

func TestRegistrySubmit_Failed(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)

	job, err := r.Submit("exit 1", true, nil)
	must.NoError(t, err)

	<-waitDone(job)
	must.Eq(t, StatusFailed, job.Status())
	must.NotNil(t, job.Err())
}

func TestRegistrySubmit_NonPersistTriggersOnJobDone(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry(dir)

	done := make(chan bool, 1)
	r.OnJobDone = func(persist bool) { done <- persist }

	_, err := r.Submit("true", false, nil)
	must.NoError(t, err)

	select {
	case persist := <-done:
		must.False(t, persist)
	case <-time.After(5 * time.Second):
		t.Fatal("OnJobDone was not invoked")
	}
}
