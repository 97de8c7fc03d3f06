// Copyright (C) 2021 The emkit authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package emio

import (
	"bytes"
	"encoding/xml"
	"os"
	"strconv"

	"github.com/emtools/emkit/internal/emd"
)

// EMI sidecars are binary blobs with an embedded <ObjectInfo> XML
// document describing the acquisition. Only that document is parsed.

type emiObjectInfo struct {
	Uuid                    string `xml:"Uuid"`
	AcquireDate             string `xml:"AcquireDate"`
	Manufacturer            string `xml:"Manufacturer"`
	DetectorPixelHeight     string `xml:"DetectorPixelHeight"`
	DetectorPixelWidth      string `xml:"DetectorPixelWidth"`
	ExperimentalDescription struct {
		Root []emiItem `xml:"Root>Data"`
	} `xml:"ExperimentalDescription"`
	AcquireInfo struct {
		Items []emiAnyElem `xml:",any"`
	} `xml:"AcquireInfo"`
	ExperimentalConditions struct {
		MicroscopeConditions struct {
			Items []emiAnyElem `xml:",any"`
		} `xml:"MicroscopeConditions"`
	} `xml:"ExperimentalConditions"`
}

type emiItem struct {
	Label string `xml:"Label"`
	Value string `xml:"Value"`
	Unit  string `xml:"Unit"`
}

type emiAnyElem struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

// parseEMI extracts the ObjectInfo document of an EMI sidecar into
// nested metadata. Numeric values are converted where they parse.
func parseEMI(path string) (emd.Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	start := bytes.Index(raw, []byte("<ObjectInfo>"))
	end := bytes.Index(raw, []byte("</ObjectInfo>"))
	if start < 0 || end < 0 || end <= start {
		return nil, corruptf("EMI", 0, "no ObjectInfo document found")
	}
	doc := raw[start : end+len("</ObjectInfo>")]

	var info emiObjectInfo
	if err := xml.Unmarshal(doc, &info); err != nil {
		return nil, corruptf("EMI", int64(start), "parsing ObjectInfo: %v", err)
	}

	meta := emd.Metadata{}
	if info.AcquireDate != "" {
		meta["AcquireDate"] = info.AcquireDate
	}
	if info.Manufacturer != "" {
		meta["Manufacturer"] = info.Manufacturer
	}
	if info.Uuid != "" {
		meta["Uuid"] = info.Uuid
	}
	if info.DetectorPixelHeight != "" {
		meta["DetectorPixelHeight"] = emiValue(info.DetectorPixelHeight)
	}
	if info.DetectorPixelWidth != "" {
		meta["DetectorPixelWidth"] = emiValue(info.DetectorPixelWidth)
	}
	if len(info.ExperimentalDescription.Root) > 0 {
		sub := meta.Sub("ExperimentalDescription")
		for _, item := range info.ExperimentalDescription.Root {
			key := item.Label
			if item.Unit != "" {
				key += " [" + item.Unit + "]"
			}
			sub[key] = emiValue(item.Value)
		}
	}
	if len(info.AcquireInfo.Items) > 0 {
		sub := meta.Sub("AcquireInfo")
		for _, item := range info.AcquireInfo.Items {
			sub[item.XMLName.Local] = emiValue(item.Value)
		}
	}
	if len(info.ExperimentalConditions.MicroscopeConditions.Items) > 0 {
		sub := meta.Sub("MicroscopeConditions")
		for _, item := range info.ExperimentalConditions.MicroscopeConditions.Items {
			sub[item.XMLName.Local] = emiValue(item.Value)
		}
	}
	return meta, nil
}

func emiValue(s string) any {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
