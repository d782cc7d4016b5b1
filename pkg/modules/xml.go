package modules

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/beevik/etree"

	"github.com/convergo/convergo/pkg/engine"
)

// XMLModule converges elements inside an XML document: presence of an
// element at a simple slash path, its text value, and its attributes.
// Params: path (file, required), xpath (element path, required), state
// (present default, or absent), value (element text), attributes
// (mapping), pretty_print, backup. Creating intermediate elements only
// works for plain paths without predicates; anything fancier should
// select elements that already exist.
type XMLModule struct{}

type xmlDesired struct {
	path   string
	xpath  string
	state  string
	value  string
	hasVal bool
	attrs  map[string]string
	pretty bool
	backup bool
}

// Kind implements engine.Module.
func (m *XMLModule) Kind() string { return "xml" }

// Idempotent implements engine.Module.
func (m *XMLModule) Idempotent() bool { return true }

// Probe implements engine.Module.
func (m *XMLModule) Probe(_ context.Context, _ *engine.HostState, params map[string]any) (*engine.CurrentState, error) {
	d, err := xmlParams(params)
	if err != nil {
		return nil, err
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromFile(d.path); err != nil {
		return nil, fmt.Errorf("read %s: %w", d.path, err)
	}

	elems := doc.FindElements(d.xpath)
	cs := &engine.CurrentState{
		Exists: len(elems) > 0,
		State:  map[string]any{"matches": len(elems)},
	}

	if d.state == "absent" {
		cs.Satisfied = len(elems) == 0
		cs.Detail = fmt.Sprintf("%d element(s) at %s", len(elems), d.xpath)
		return cs, nil
	}

	if len(elems) == 0 {
		cs.Detail = "no element at " + d.xpath
		return cs, nil
	}

	satisfied := true
	for _, e := range elems {
		if !elementSatisfied(e, d) {
			satisfied = false
			break
		}
	}
	cs.Satisfied = satisfied
	if satisfied {
		cs.Detail = d.xpath + " converged"
	} else {
		cs.Detail = d.xpath + " differs from desired state"
	}
	return cs, nil
}

// Apply implements engine.Module.
func (m *XMLModule) Apply(_ context.Context, _ *engine.HostState, params map[string]any) (*engine.Result, error) {
	d, err := xmlParams(params)
	if err != nil {
		return nil, err
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromFile(d.path); err != nil {
		return nil, fmt.Errorf("read %s: %w", d.path, err)
	}

	if d.backup {
		if data, err := os.ReadFile(d.path); err == nil {
			if err := os.WriteFile(d.path+".bak", data, 0o644); err != nil {
				return nil, fmt.Errorf("write backup: %w", err)
			}
		}
	}

	changed := false
	elems := doc.FindElements(d.xpath)

	if d.state == "absent" {
		for _, e := range elems {
			if parent := e.Parent(); parent != nil {
				parent.RemoveChild(e)
				changed = true
			}
		}
	} else {
		if len(elems) == 0 {
			e, err := createPath(doc, d.xpath)
			if err != nil {
				return nil, err
			}
			elems = []*etree.Element{e}
			changed = true
		}
		for _, e := range elems {
			if d.hasVal && e.Text() != d.value {
				e.SetText(d.value)
				changed = true
			}
			for k, v := range d.attrs {
				if attr := e.SelectAttr(k); attr == nil || attr.Value != v {
					e.CreateAttr(k, v)
					changed = true
				}
			}
		}
	}

	if !changed {
		return &engine.Result{Changed: false, Detail: d.xpath + " already converged"}, nil
	}

	if d.pretty {
		doc.Indent(2)
	}
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", d.path, err)
	}
	if err := writeFileAtomic(d.path, out, 0o644); err != nil {
		return nil, err
	}

	detail := "converged " + d.xpath
	if d.state == "absent" {
		detail = "removed " + d.xpath
	}
	return &engine.Result{Changed: true, Detail: detail}, nil
}

func elementSatisfied(e *etree.Element, d *xmlDesired) bool {
	if d.hasVal && e.Text() != d.value {
		return false
	}
	for k, v := range d.attrs {
		attr := e.SelectAttr(k)
		if attr == nil || attr.Value != v {
			return false
		}
	}
	return true
}

// createPath walks a plain slash path from the document root, creating
// missing elements along the way, and returns the leaf.
func createPath(doc *etree.Document, xpath string) (*etree.Element, error) {
	parts := strings.Split(strings.Trim(xpath, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return nil, fmt.Errorf("cannot create element at %q", xpath)
	}
	for _, p := range parts {
		if strings.ContainsAny(p, "[]@=*.") {
			return nil, fmt.Errorf("cannot create element for path step %q", p)
		}
	}

	root := doc.Root()
	if root == nil {
		root = doc.CreateElement(parts[0])
	} else if root.Tag != parts[0] {
		return nil, fmt.Errorf("path root %s does not match document root %s", parts[0], root.Tag)
	}

	cur := root
	for _, p := range parts[1:] {
		next := cur.SelectElement(p)
		if next == nil {
			next = cur.CreateElement(p)
		}
		cur = next
	}
	return cur, nil
}

func xmlParams(params map[string]any) (*xmlDesired, error) {
	path, err := stringParam(params, "path")
	if err != nil {
		return nil, err
	}
	xpath, err := stringParam(params, "xpath")
	if err != nil {
		return nil, err
	}

	d := &xmlDesired{path: path, xpath: xpath}
	if d.state, err = optionalString(params, "state", "present"); err != nil {
		return nil, err
	}
	if d.state != "present" && d.state != "absent" {
		return nil, fmt.Errorf("invalid state: %s", d.state)
	}
	if v, ok := params["value"]; ok {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("parameter value must be a string, got %T", v)
		}
		d.value = s
		d.hasVal = true
	}
	if d.attrs, err = optionalStringMap(params, "attributes"); err != nil {
		return nil, err
	}
	if d.pretty, err = optionalBool(params, "pretty_print", false); err != nil {
		return nil, err
	}
	if d.backup, err = optionalBool(params, "backup", false); err != nil {
		return nil, err
	}
	return d, nil
}
