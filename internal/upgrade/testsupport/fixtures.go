package testsupport

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/temirov/cmupgrade/internal/mapping"
	"github.com/temirov/cmupgrade/internal/scenegraph"
)

// Record types used by the fixtures.
const (
	VirtualCameraType   = "CinemachineVirtualCamera"
	FreeLookType        = "CinemachineFreeLook"
	PipelineType        = "CinemachinePipeline"
	ComposerType        = "CinemachineComposer"
	TransposerType      = "CinemachineTransposer"
	NoiseType           = "CinemachineBasicMultiChannelPerlin"
	OptOutType          = "CinemachineDoNotUpgrade"
	DollyCartType       = "CinemachineDollyCart"
	CameraType          = "CinemachineCamera"
	RotationComposer    = "CinemachineRotationComposer"
	FollowType          = "CinemachineFollow"
	OrbitalFollowType   = "CinemachineOrbitalFollow"
	PerlinNoiseType     = "CinemachinePerlinNoise"
	FreeLookModifier    = "CinemachineFreeLookModifier"
	DirectorType        = "CameraDirector"
	TransformType       = "Transform"
	LegacyVersion       = "2.9.7"
	TargetVersion       = "3.0.0"
	TimelineHolderID    = "timeline"
	ShotSlotName        = "shot"
	ComposerSlotName    = "composer"
	CameraClipID        = "camera-anim"
	ActiveCameraRefName = "m_ActiveCamera"
)

// Node and record identifiers of the virtual camera scene.
const (
	VirtualCameraNode     scenegraph.NodeID   = "vcam"
	VirtualCameraRecord   scenegraph.RecordID = "r-vcam"
	HiddenChildNode       scenegraph.NodeID   = "vcam-cm"
	PipelineRecord        scenegraph.RecordID = "r-pipeline"
	ComposerRecord        scenegraph.RecordID = "r-composer"
	TransposerRecord      scenegraph.RecordID = "r-transposer"
	PlayerNode            scenegraph.NodeID   = "player"
	PlayerTransformRecord scenegraph.RecordID = "r-player"
	DirectorNode          scenegraph.NodeID   = "director"
	DirectorRecord        scenegraph.RecordID = "r-director"
)

// Node identifiers of the free look scene.
const (
	FreeLookNode      scenegraph.NodeID   = "freelook"
	FreeLookRecord    scenegraph.RecordID = "r-freelook"
	TopRigNode        scenegraph.NodeID   = "rig-top"
	MiddleRigNode     scenegraph.NodeID   = "rig-middle"
	BottomRigNode     scenegraph.NodeID   = "rig-bottom"
	TopNoiseRecord    scenegraph.RecordID = "r-top-noise"
	MiddleNoiseRecord scenegraph.RecordID = "r-middle-noise"
	BottomNoiseRecord scenegraph.RecordID = "r-bottom-noise"
)

// RigVariation selects how the top and bottom rigs differ from the middle rig.
type RigVariation int

// Rig variations covering the three conversion outcomes. RigVariationTopNoise changes only
// the top rig's noise amplitude.
const (
	RigVariationIdentical RigVariation = iota
	RigVariationNoise
	RigVariationIrreconcilable
	RigVariationTopNoise
)

// RequireDefaultTable loads the built-in mapping table.
func RequireDefaultTable(testInstance *testing.T) *mapping.Table {
	testInstance.Helper()
	table, loadError := mapping.Default()
	require.NoError(testInstance, loadError)
	return table
}

// NewVirtualCameraScene builds a legacy scene with one virtual camera, its hidden pipeline
// child, a timeline holder, an animation clip, and a director referencing the camera.
func NewVirtualCameraScene(scopeName string) *scenegraph.Scope {
	return &scenegraph.Scope{
		Name:          scopeName,
		Kind:          scenegraph.ScopeKindScene,
		SchemaVersion: LegacyVersion,
		Nodes: []*scenegraph.Node{
			{
				ID:       VirtualCameraNode,
				Name:     "Main Camera Rig",
				Children: []scenegraph.NodeID{HiddenChildNode},
				Records: []*scenegraph.Record{
					{
						ID:   VirtualCameraRecord,
						Type: VirtualCameraType,
						Fields: map[string]any{
							"m_Priority": 10,
							"m_Lens":     map[string]any{"FieldOfView": 40.0, "NearClipPlane": 0.3},
						},
						References: map[string]scenegraph.ObjectRef{"m_Follow": {Node: PlayerNode}},
					},
				},
			},
			{
				ID:     HiddenChildNode,
				Name:   "cm",
				Parent: VirtualCameraNode,
				Hidden: true,
				Records: []*scenegraph.Record{
					{ID: PipelineRecord, Type: PipelineType},
					{ID: ComposerRecord, Type: ComposerType, Fields: map[string]any{"m_ScreenX": 0.5, "m_ScreenY": 0.4}},
					{ID: TransposerRecord, Type: TransposerType, Fields: map[string]any{"m_XDamping": 1.0}},
				},
			},
			{
				ID:      PlayerNode,
				Name:    "Player",
				Records: []*scenegraph.Record{{ID: PlayerTransformRecord, Type: TransformType}},
			},
			{
				ID:   DirectorNode,
				Name: "Director",
				Records: []*scenegraph.Record{
					{
						ID:         DirectorRecord,
						Type:       DirectorType,
						References: map[string]scenegraph.ObjectRef{ActiveCameraRefName: {Node: VirtualCameraNode, Record: VirtualCameraRecord}},
					},
				},
			},
		},
		Holders: []*scenegraph.Holder{
			{
				ID:   TimelineHolderID,
				Name: "Intro Timeline",
				Slots: []*scenegraph.BindingSlot{
					{Name: ShotSlotName, Target: scenegraph.ObjectRef{Node: VirtualCameraNode}},
					{Name: ComposerSlotName, Target: scenegraph.ObjectRef{Node: HiddenChildNode, Record: ComposerRecord}},
				},
			},
		},
		Clips: []*scenegraph.Clip{
			{
				ID:   CameraClipID,
				Name: "Camera Sway",
				Root: VirtualCameraNode,
				Bindings: []*scenegraph.CurveBinding{
					{Path: "", RecordType: VirtualCameraType, Field: "m_Lens.FieldOfView"},
					{Path: "cm", RecordType: ComposerType, Field: "m_ScreenX"},
					{Path: "cm", RecordType: ComposerType, Field: "m_ScreenXOffset"},
					{Path: "", RecordType: TransformType, Field: "m_LocalPosition.x"},
				},
			},
		},
	}
}

// NewFreeLookScene builds a legacy scene holding a three-rig free look camera.
func NewFreeLookScene(scopeName string, variation RigVariation) *scenegraph.Scope {
	topAmplitude, bottomAmplitude := 1.0, 1.0
	topDeadZone := 0.1
	switch variation {
	case RigVariationNoise:
		topAmplitude, bottomAmplitude = 2.0, 0.5
	case RigVariationTopNoise:
		topAmplitude = 2.0
	case RigVariationIrreconcilable:
		topDeadZone = 0.3
	}

	rig := func(nodeID scenegraph.NodeID, name string, noiseRecord scenegraph.RecordID, amplitude float64, deadZone float64) *scenegraph.Node {
		return &scenegraph.Node{
			ID:     nodeID,
			Name:   name,
			Parent: FreeLookNode,
			Hidden: true,
			Records: []*scenegraph.Record{
				{ID: scenegraph.RecordID(string(nodeID) + "-pipeline"), Type: PipelineType},
				{
					ID:     scenegraph.RecordID(string(nodeID) + "-composer"),
					Type:   ComposerType,
					Fields: map[string]any{"m_ScreenX": 0.5, "m_DeadZoneWidth": deadZone},
				},
				{
					ID:     noiseRecord,
					Type:   NoiseType,
					Fields: map[string]any{"m_AmplitudeGain": amplitude, "m_FrequencyGain": 1.0},
				},
			},
		}
	}

	return &scenegraph.Scope{
		Name:          scopeName,
		Kind:          scenegraph.ScopeKindScene,
		SchemaVersion: LegacyVersion,
		Nodes: []*scenegraph.Node{
			{
				ID:       FreeLookNode,
				Name:     "Orbit Camera",
				Children: []scenegraph.NodeID{TopRigNode, MiddleRigNode, BottomRigNode},
				Records: []*scenegraph.Record{
					{
						ID:   FreeLookRecord,
						Type: FreeLookType,
						Fields: map[string]any{
							"m_Priority": 5,
							"m_Lens":     map[string]any{"FieldOfView": 50.0},
							"m_Orbits": map[string]any{
								"Top":    map[string]any{"m_Height": 4.5, "m_Radius": 1.75},
								"Middle": map[string]any{"m_Height": 2.5, "m_Radius": 3.0},
								"Bottom": map[string]any{"m_Height": 0.4, "m_Radius": 1.3},
							},
						},
					},
				},
			},
			rig(TopRigNode, "TopRig", TopNoiseRecord, topAmplitude, topDeadZone),
			rig(MiddleRigNode, "MiddleRig", MiddleNoiseRecord, 1.0, 0.1),
			rig(BottomRigNode, "BottomRig", BottomNoiseRecord, bottomAmplitude, 0.1),
		},
		Clips: []*scenegraph.Clip{
			{
				ID:   CameraClipID,
				Name: "Orbit Shake",
				Root: FreeLookNode,
				Bindings: []*scenegraph.CurveBinding{
					{Path: "TopRig", RecordType: NoiseType, Field: "m_AmplitudeGain"},
					{Path: "MiddleRig", RecordType: NoiseType, Field: "m_AmplitudeGain"},
				},
			},
		},
	}
}

// NewPrefabCamera builds a legacy prefab holding one virtual camera. An optional reference
// on the camera's director record points into another scope.
func NewPrefabCamera(scopeName string, nodeID scenegraph.NodeID, recordID scenegraph.RecordID, outbound *scenegraph.ObjectRef) *scenegraph.Scope {
	scope := &scenegraph.Scope{
		Name:          scopeName,
		Kind:          scenegraph.ScopeKindPrefab,
		SchemaVersion: LegacyVersion,
		Nodes: []*scenegraph.Node{
			{
				ID:   nodeID,
				Name: "Prefab Camera",
				Records: []*scenegraph.Record{
					{ID: recordID, Type: VirtualCameraType, Fields: map[string]any{"m_Priority": 1}},
				},
			},
		},
	}
	if outbound != nil {
		scope.Nodes = append(scope.Nodes, &scenegraph.Node{
			ID:   DirectorNode,
			Name: "Prefab Director",
			Records: []*scenegraph.Record{
				{ID: DirectorRecord, Type: DirectorType, References: map[string]scenegraph.ObjectRef{ActiveCameraRefName: *outbound}},
			},
		})
	}
	return scope
}

// NewDirectorScene builds a scene whose director references target. The scene holds one
// legacy camera of its own.
func NewDirectorScene(scopeName string, target scenegraph.ObjectRef) *scenegraph.Scope {
	return &scenegraph.Scope{
		Name:          scopeName,
		Kind:          scenegraph.ScopeKindScene,
		SchemaVersion: LegacyVersion,
		Nodes: []*scenegraph.Node{
			{
				ID:   VirtualCameraNode,
				Name: "Scene Camera",
				Records: []*scenegraph.Record{
					{ID: VirtualCameraRecord, Type: VirtualCameraType, Fields: map[string]any{"m_Priority": 2}},
				},
			},
			{
				ID:   DirectorNode,
				Name: "Scene Director",
				Records: []*scenegraph.Record{
					{ID: DirectorRecord, Type: DirectorType, References: map[string]scenegraph.ObjectRef{ActiveCameraRefName: target}},
				},
			},
		},
	}
}

// RecordOfType returns the first record of recordType on nodeID, failing the test when absent.
func RecordOfType(testInstance *testing.T, scope *scenegraph.Scope, nodeID scenegraph.NodeID, recordType string) *scenegraph.Record {
	testInstance.Helper()
	node, nodeError := scope.RequireNode(nodeID)
	require.NoError(testInstance, nodeError)
	record, found := node.FirstRecordOfType(recordType)
	require.Truef(testInstance, found, "node %s has no %s record", nodeID, recordType)
	return record
}
