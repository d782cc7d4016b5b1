package config

import (
	"testing"
	"time"
)

const samplePlaybook = `
name: web server baseline
vars:
  http_port: 8080
  mypackages:
    - git
    - curl
tasks:
  - name: install nginx
    module: package
    params:
      name: nginx
      state: present
    notify:
      - restart nginx
    tags: [web]
  - name: install tools
    module: package
    with_items: "{{ mypackages }}"
    params:
      name: "{{ item }}"
  - name: slow job
    module: command
    params:
      command: ./migrate.sh
    timeout: 90s
    ignore_errors: true
handlers:
  - name: restart nginx
    module: service
    params:
      name: nginx
      state: restarted
`

func TestParsePlaybook(t *testing.T) {
	pb, err := Parse([]byte(samplePlaybook), NewTemplateRenderer())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if pb.Name != "web server baseline" {
		t.Errorf("Name = %q", pb.Name)
	}
	if len(pb.Tasks) != 3 || len(pb.Handlers) != 1 {
		t.Fatalf("tasks = %d, handlers = %d", len(pb.Tasks), len(pb.Handlers))
	}

	tools := pb.Tasks[1]
	if len(tools.WithItems) != 2 || tools.WithItems[0] != "git" || tools.WithItems[1] != "curl" {
		t.Errorf("with_items reference not resolved: %v", tools.WithItems)
	}

	slow := pb.Tasks[2]
	if slow.Timeout != 90*time.Second {
		t.Errorf("timeout = %v, want 90s", slow.Timeout)
	}
	if !slow.IgnoreErrors {
		t.Error("ignore_errors not carried")
	}

	if pb.Tasks[0].Notify[0] != "restart nginx" {
		t.Errorf("notify = %v", pb.Tasks[0].Notify)
	}
}

func TestParsePlaybookErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"not yaml", "tasks: ["},
		{"missing name", "tasks:\n  - name: a\n    module: package\n"},
		{"no tasks", "name: empty\n"},
		{"task without module", "name: p\ntasks:\n  - name: a\n"},
		{"bad timeout", "name: p\ntasks:\n  - name: a\n    module: package\n    timeout: soon\n"},
		{"with_items not a list", "name: p\ntasks:\n  - name: a\n    module: package\n    with_items: \"{{ http_port }}\"\nvars:\n  http_port: 80\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml), NewTemplateRenderer()); err == nil {
				t.Error("Parse() succeeded, want error")
			}
		})
	}
}
