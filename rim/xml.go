// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

package rim

import (
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Namespaces used by TCG PC Client RIMs.
const (
	swidNamespace   = "http://standards.iso.org/iso/19770/-2/2015/schema.xsd"
	sha256Namespace = "http://www.w3.org/2001/04/xmlenc#sha256"
)

type swidTag struct {
	Name      string          `xml:"name,attr"`
	TagID     string          `xml:"tagId,attr"`
	Version   string          `xml:"version,attr"`
	Meta      []swidMeta      `xml:"Meta"`
	Payload   []swidDirectory `xml:"Payload"`
	Variables []swidVariables `xml:"Variables"`
}

type swidMeta struct {
	Attrs []xml.Attr `xml:",any,attr"`
}

// swidDirectory matches both Payload and Directory elements.
type swidDirectory struct {
	Directories []swidDirectory `xml:"Directory"`
	Files       []swidResource  `xml:"File"`
	Variables   []swidVariables `xml:"Variables"`
}

type swidVariables struct {
	Variables []swidResource `xml:"Variable"`
}

type swidResource struct {
	Attrs []xml.Attr `xml:",any,attr"`
}

func (r swidResource) attr(local string) string {
	for _, a := range r.Attrs {
		if a.Name.Local == local && a.Name.Space == "" {
			return a.Value
		}
	}
	return ""
}

// sha256 returns the value of the SHA256:hash attribute, whether or not the
// document binds the SHA256 prefix to its namespace.
func (r swidResource) sha256() string {
	for _, a := range r.Attrs {
		if a.Name.Local == "hash" && (a.Name.Space == "SHA256" || a.Name.Space == sha256Namespace) {
			return a.Value
		}
	}
	return ""
}

func (r swidResource) entry() (Entry, bool, error) {
	name, hash := r.attr("name"), r.sha256()
	if name == "" || hash == "" {
		return Entry{}, false, nil
	}
	digest, err := decodeHex(hash)
	if err != nil {
		return Entry{}, false, fmt.Errorf("%q: %w", name, err)
	}
	e := Entry{Name: name, Digest: digest, Version: r.attr("version")}
	if size := r.attr("size"); size != "" {
		e.Size, err = strconv.ParseUint(size, 10, 64)
		if err != nil {
			return Entry{}, false, fmt.Errorf("%q: invalid size: %w", name, err)
		}
	}
	return e, true, nil
}

func decodeHex(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)
	return hex.DecodeString(s)
}

func (d swidDirectory) collect(out []Entry) ([]Entry, error) {
	for _, f := range d.Files {
		e, ok, err := f.entry()
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, e)
		}
	}
	var err error
	for _, v := range d.Variables {
		if out, err = v.collect(out); err != nil {
			return nil, err
		}
	}
	for _, sub := range d.Directories {
		if out, err = sub.collect(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (v swidVariables) collect(out []Entry) ([]Entry, error) {
	for _, r := range v.Variables {
		e, ok, err := r.entry()
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// LoadSWID reads a SWID based RIM. The document may be a single
// SoftwareIdentity tag or a root element wrapping several of them, in which
// case their File and Variable entries are combined. Entries without a name
// or a SHA256:hash attribute are skipped.
func LoadSWID(r io.Reader) (*Manifest, error) {
	d := xml.NewDecoder(r)
	d.Strict = true
	var (
		md      Metadata
		entries []Entry
		tags    int
	)
	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing SWID tag: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "SoftwareIdentity" {
			continue
		}
		if start.Name.Space != "" && start.Name.Space != swidNamespace {
			return nil, fmt.Errorf("unexpected SoftwareIdentity namespace %q", start.Name.Space)
		}
		var tag swidTag
		if err := d.DecodeElement(&tag, &start); err != nil {
			return nil, fmt.Errorf("parsing SoftwareIdentity: %w", err)
		}
		if tags == 0 {
			md = tag.metadata()
		}
		tags++
		for _, p := range tag.Payload {
			if entries, err = p.collect(entries); err != nil {
				return nil, err
			}
		}
		for _, v := range tag.Variables {
			if entries, err = v.collect(entries); err != nil {
				return nil, err
			}
		}
	}
	if tags == 0 {
		return nil, errors.New("no SoftwareIdentity element found")
	}
	return NewManifest(md, entries)
}

func (t swidTag) metadata() Metadata {
	md := Metadata{TagID: t.TagID, Version: t.Version}
	for _, m := range t.Meta {
		for _, a := range m.Attrs {
			if a.Name.Local == "PlatformModel" {
				md.PlatformModel = a.Value
			}
		}
	}
	if md.PlatformModel == "" {
		md.PlatformModel = t.Name
	}
	return md
}
