// Package ivr runs the per-channel dialogue: it fetches XML action scripts,
// walks them action by action, and reacts to keypad input and playback
// progress.
package ivr

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// ActionName tags the variant of one parsed action.
type ActionName string

// The four action kinds a script may contain.
const (
	ActionPlay     ActionName = "play"
	ActionGather   ActionName = "gather"
	ActionRedirect ActionName = "redirect"
	ActionHangup   ActionName = "hangup"
)

// Attrs carries the attributes of one action element. Zero values mean the
// attribute was absent.
type Attrs struct {
	Input       string
	Action      string
	Timeout     int
	NumDigits   int
	FinishOnKey string
}

// Action is one parsed script element. Data holds the element text: the
// audio path for play, the target URL for redirect.
type Action struct {
	Name  ActionName
	Data  string
	Attrs Attrs
}

// ParseActions reads an XML action script and returns its actions in
// document order. Unknown elements are skipped.
func ParseActions(r io.Reader) ([]Action, error) {
	dec := xml.NewDecoder(r)
	var actions []Action

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing action script: %w", err)
		}

		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch strings.ToLower(se.Name.Local) {
		case "response":
			// Container element, descend into it.

		case "play":
			var el struct {
				Timeout int    `xml:"timeout,attr"`
				Data    string `xml:",chardata"`
			}
			if err := dec.DecodeElement(&el, &se); err != nil {
				return nil, fmt.Errorf("parsing play element: %w", err)
			}
			actions = append(actions, Action{
				Name:  ActionPlay,
				Data:  strings.TrimSpace(el.Data),
				Attrs: Attrs{Timeout: el.Timeout},
			})

		case "gather":
			var el struct {
				Input       string `xml:"input,attr"`
				Action      string `xml:"action,attr"`
				Timeout     int    `xml:"timeout,attr"`
				NumDigits   int    `xml:"numDigits,attr"`
				FinishOnKey string `xml:"finishOnKey,attr"`
			}
			if err := dec.DecodeElement(&el, &se); err != nil {
				return nil, fmt.Errorf("parsing gather element: %w", err)
			}
			actions = append(actions, Action{
				Name: ActionGather,
				Attrs: Attrs{
					Input:       el.Input,
					Action:      el.Action,
					Timeout:     el.Timeout,
					NumDigits:   el.NumDigits,
					FinishOnKey: el.FinishOnKey,
				},
			})

		case "redirect":
			var el struct {
				Data string `xml:",chardata"`
			}
			if err := dec.DecodeElement(&el, &se); err != nil {
				return nil, fmt.Errorf("parsing redirect element: %w", err)
			}
			actions = append(actions, Action{
				Name: ActionRedirect,
				Data: strings.TrimSpace(el.Data),
			})

		case "hangup":
			if err := dec.Skip(); err != nil && err != io.EOF {
				return nil, fmt.Errorf("parsing hangup element: %w", err)
			}
			actions = append(actions, Action{Name: ActionHangup})

		default:
			if err := dec.Skip(); err != nil && err != io.EOF {
				return nil, fmt.Errorf("skipping %s element: %w", se.Name.Local, err)
			}
		}
	}
	return actions, nil
}
