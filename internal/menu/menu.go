// Package menu は食堂の週間メニューと食堂ルールを提供する。
//
// メニューはYAML文書から起動時に1度だけ読み込み、以降は変更しない。
package menu

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed menu.yaml
var defaultDocument []byte

// Slot は食事の区分。
type Slot string

const (
	SlotBreakfast Slot = "breakfast"
	SlotLunch     Slot = "lunch"
	SlotSnacks    Slot = "snacks"
	SlotDinner    Slot = "dinner"
)

// Slots は1日の食事区分を提供順に返す。
func Slots() []Slot {
	return []Slot{SlotBreakfast, SlotLunch, SlotSnacks, SlotDinner}
}

// Label は表示用の区分名を返す。
func (s Slot) Label() string {
	switch s {
	case SlotBreakfast:
		return "Breakfast"
	case SlotLunch:
		return "Lunch"
	case SlotSnacks:
		return "Snacks"
	case SlotDinner:
		return "Dinner"
	}
	return string(s)
}

// Meal は1回分の食事。
type Meal struct {
	Slot   Slot   `json:"slot"`
	Label  string `json:"label"`
	Timing string `json:"timing,omitempty"`
	Items  string `json:"items"`
}

// DayMenu は1日分のメニュー。
type DayMenu struct {
	Weekday time.Weekday `json:"-"`
	Day     string       `json:"day"`
	Meals   []Meal       `json:"meals"`
}

// Menu は週間メニューと食堂ルール。生成後は不変。
type Menu struct {
	title string
	days  [7]DayMenu
	rules []string
}

// document はYAML文書の構造。
type document struct {
	Title   string                     `yaml:"title"`
	Timings map[Slot]string            `yaml:"timings"`
	Days    map[string]map[Slot]string `yaml:"days"`
	Rules   []string                   `yaml:"rules"`
}

// weekOrder は表示順（月曜始まり）。
var weekOrder = []time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday,
	time.Friday, time.Saturday, time.Sunday,
}

// Load はpathのYAML文書からメニューを読み込む。pathが空の場合は組み込みのメニューを使う。
func Load(path string) (*Menu, error) {
	if path == "" {
		return Parse(defaultDocument)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read menu file: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Default は組み込みのメニューを返す。
func Default() *Menu {
	m, err := Parse(defaultDocument)
	if err != nil {
		panic(fmt.Sprintf("embedded menu is invalid: %v", err))
	}
	return m
}

// Parse はYAML文書を検証してMenuを生成する。
// 7曜日すべてと、各曜日の4区分すべてが必要。
func Parse(data []byte) (*Menu, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse menu: %w", err)
	}

	for name := range doc.Days {
		if _, err := ParseDay(name); err != nil {
			return nil, err
		}
	}

	m := &Menu{title: doc.Title}
	for _, wd := range weekOrder {
		key := strings.ToLower(wd.String())
		slots, ok := doc.Days[key]
		if !ok {
			return nil, fmt.Errorf("menu has no entry for %s", key)
		}
		day := DayMenu{Weekday: wd, Day: wd.String()}
		for _, slot := range Slots() {
			items := strings.TrimSpace(slots[slot])
			if items == "" {
				return nil, fmt.Errorf("menu has no %s for %s", slot, key)
			}
			day.Meals = append(day.Meals, Meal{
				Slot:   slot,
				Label:  slot.Label(),
				Timing: doc.Timings[slot],
				Items:  items,
			})
		}
		for slot := range slots {
			if slot.Label() == string(slot) {
				return nil, fmt.Errorf("unknown meal slot %q for %s", slot, key)
			}
		}
		m.days[wd] = day
	}

	for _, r := range doc.Rules {
		if r = strings.TrimSpace(r); r != "" {
			m.rules = append(m.rules, r)
		}
	}
	return m, nil
}

// Title はメニューの表題を返す。
func (m *Menu) Title() string {
	return m.title
}

// Day は指定曜日のメニューを返す。
func (m *Menu) Day(wd time.Weekday) DayMenu {
	return copyDay(m.days[wd])
}

// Week は月曜始まりで1週間分のメニューを返す。
func (m *Menu) Week() []DayMenu {
	week := make([]DayMenu, 0, len(weekOrder))
	for _, wd := range weekOrder {
		week = append(week, copyDay(m.days[wd]))
	}
	return week
}

// Rules は食堂ルールを記載順に返す。値はサニタイズ前のマークアップ。
func (m *Menu) Rules() []string {
	return append([]string(nil), m.rules...)
}

// ParseDay は曜日名（"monday"、"Mon"など）をtime.Weekdayに変換する。
func ParseDay(s string) (time.Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if len(name) >= 3 {
		for _, wd := range weekOrder {
			full := strings.ToLower(wd.String())
			if name == full || name == full[:3] {
				return wd, nil
			}
		}
	}
	return time.Sunday, fmt.Errorf("unknown day: %q", s)
}

func copyDay(d DayMenu) DayMenu {
	d.Meals = append([]Meal(nil), d.Meals...)
	return d
}
