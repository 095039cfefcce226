package common

import "fmt"

// Dataset identifies a label space.
type Dataset string

const (
	DatasetKITTI    Dataset = "kitti"
	DatasetWaymo    Dataset = "waymo"
	DatasetNuScenes Dataset = "nuscenes"
	DatasetONCE     Dataset = "once"
)

// OutputClass represents one detection label. Index is 1-based; 0 is background.
type OutputClass struct {
	Index int
	Name  string
}

// ClassSet ties a dataset to its list of labels.
type ClassSet struct {
	Dataset Dataset
	Classes []OutputClass
	// nameToIdx for fast lookup by name
	nameToIdx map[string]int
}

// NewClassSet builds a set from class names in label order.
func NewClassSet(dataset Dataset, names ...string) *ClassSet {
	set := &ClassSet{Dataset: dataset}
	for i, n := range names {
		set.Classes = append(set.Classes, OutputClass{Index: i + 1, Name: n})
	}
	set.BuildNameIndexMap()
	return set
}

// BuildNameIndexMap builds or rebuilds the name->index map.
func (s *ClassSet) BuildNameIndexMap() {
	s.nameToIdx = make(map[string]int, len(s.Classes))
	for _, c := range s.Classes {
		s.nameToIdx[c.Name] = c.Index
	}
}

// Index returns the 1-based label of name, or 0 when the name is not part of the set.
func (s *ClassSet) Index(name string) int {
	if s.nameToIdx == nil {
		s.BuildNameIndexMap()
	}
	return s.nameToIdx[name]
}

// Name returns the class name of a 1-based label.
func (s *ClassSet) Name(label int) (string, error) {
	if label < 1 || label > len(s.Classes) {
		return "", fmt.Errorf("label %d out of range for %q", label, s.Dataset)
	}
	return s.Classes[label-1].Name, nil
}

// Names returns the class names in label order.
func (s *ClassSet) Names() []string {
	out := make([]string, len(s.Classes))
	for i, c := range s.Classes {
		out[i] = c.Name
	}
	return out
}

// ClassManager holds all registered class sets.
type ClassManager struct {
	sets map[Dataset]*ClassSet
}

// NewClassManager initializes and registers the given sets.
func NewClassManager(allSets ...*ClassSet) *ClassManager {
	mgr := &ClassManager{sets: make(map[Dataset]*ClassSet)}
	for _, set := range allSets {
		set.BuildNameIndexMap()
		mgr.sets[set.Dataset] = set
	}
	return mgr
}

// Get returns the set registered for dataset.
func (m *ClassManager) Get(dataset Dataset) (*ClassSet, error) {
	set, ok := m.sets[dataset]
	if !ok {
		return nil, fmt.Errorf("dataset %q not registered", dataset)
	}
	return set, nil
}

// MapClass maps a label from one dataset to another by class name.
func (m *ClassManager) MapClass(from Dataset, label int, to Dataset) (OutputClass, error) {
	src, err := m.Get(from)
	if err != nil {
		return OutputClass{}, err
	}
	name, err := src.Name(label)
	if err != nil {
		return OutputClass{}, err
	}
	dst, err := m.Get(to)
	if err != nil {
		return OutputClass{}, err
	}
	idx := dst.Index(name)
	if idx == 0 {
		return OutputClass{}, fmt.Errorf("name %q not found in %q", name, to)
	}
	return OutputClass{Index: idx, Name: name}, nil
}

// Label sets of the supported datasets.
var (
	KITTIClasses    = NewClassSet(DatasetKITTI, "Car", "Pedestrian", "Cyclist")
	WaymoClasses    = NewClassSet(DatasetWaymo, "Vehicle", "Pedestrian", "Cyclist")
	ONCEClasses     = NewClassSet(DatasetONCE, "Car", "Bus", "Truck", "Pedestrian", "Cyclist")
	NuScenesClasses = NewClassSet(DatasetNuScenes,
		"car", "truck", "construction_vehicle", "bus", "trailer",
		"barrier", "motorcycle", "bicycle", "pedestrian", "traffic_cone")
)

// DefaultClassManager knows every built-in dataset.
var DefaultClassManager = NewClassManager(KITTIClasses, WaymoClasses, ONCEClasses, NuScenesClasses)
