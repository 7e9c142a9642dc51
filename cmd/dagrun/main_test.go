package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/gomega"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestParseDate(t *testing.T) {
	g := NewWithT(t)

	d, err := parseDate("2020-05-23T04:00:00Z")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(d).To(Equal(time.Date(2020, 5, 23, 4, 0, 0, 0, time.UTC)))

	d, err = parseDate("2020-05-23")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(d).To(Equal(time.Date(2020, 5, 23, 0, 0, 0, 0, time.UTC)))

	_, err = parseDate("yesterday")
	g.Expect(err).To(HaveOccurred())
}

func TestParseParams(t *testing.T) {
	g := NewWithT(t)
	cfg.Params = map[string]string{"region": "us-east-1", "bucket": "udacity-dend"}
	defer func() { cfg.Params = nil }()

	params, err := parseParams([]string{"region=us-west-2", "sql=a=b"})
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(params).To(Equal(map[string]string{"region": "us-west-2", "bucket": "udacity-dend", "sql": "a=b"}))

	_, err = parseParams([]string{"novalue"})
	g.Expect(err).To(HaveOccurred())
}

func TestLoadPipeline(t *testing.T) {
	g := NewWithT(t)

	p, err := loadPipeline("sparkify")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(p.Name).To(Equal("udac_example_dag"))

	p, err = loadPipeline("../../test/dags/sparkify.yaml")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(needsKube(p)).To(BeFalse())

	_, err = loadPipeline("nope")
	g.Expect(err).To(MatchError(ContainSubstring("sparkify")))
}

func TestVersionCommand(t *testing.T) {
	g := NewWithT(t)
	out, err := execute(t, "version")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(out).To(ContainSubstring("dagrun " + version))
}

func TestGraphCommand(t *testing.T) {
	g := NewWithT(t)
	out, err := execute(t, "graph", "-p", "sparkify")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(out).To(ContainSubstring("Load_songplays_fact_table"))
	g.Expect(out).To(ContainSubstring("Stop_execution"))
}

func TestRunCommand(t *testing.T) {
	g := NewWithT(t)
	path := filepath.Join(t.TempDir(), "hello.yaml")
	manifest := `metadata: {name: hello}
spec:
  defaults: {retryLimit: 1}
  tasks:
    - {name: begin, operator: noop}
    - {name: end, operator: noop, dependencies: [begin]}
`
	g.Expect(os.WriteFile(path, []byte(manifest), 0644)).To(Succeed())

	out, err := execute(t, "run", "-p", path, "--date", "2020-05-23", "--log-level", "error")
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(out).To(ContainSubstring("hello"))
	g.Expect(out).To(ContainSubstring("Succeeded"))
	g.Expect(out).NotTo(ContainSubstring("Failures"))
}

func TestCompileCommand(t *testing.T) {
	g := NewWithT(t)
	dist := t.TempDir()
	out, err := execute(t, "compile", "-c", "../../test/compile.yaml", "-o", dist)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(out).To(ContainSubstring("2 pipeline(s) compiled"))
	g.Expect(filepath.Join(dist, "udac_example_dag.yaml")).To(BeAnExistingFile())
}
