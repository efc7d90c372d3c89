package canvas

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"time"
)

// 图形类型枚举
type ShapeType string

const (
	ShapeRectangle ShapeType = "rectangle"
	ShapeCircle    ShapeType = "circle"
	ShapeLine      ShapeType = "line"
	ShapeText      ShapeType = "text"
	ShapeTriangle  ShapeType = "triangle"
	ShapeStar      ShapeType = "star"
	ShapeDiamond   ShapeType = "diamond"
)

var validShapeTypes = map[ShapeType]struct{}{
	ShapeRectangle: {}, ShapeCircle: {}, ShapeLine: {}, ShapeText: {},
	ShapeTriangle: {}, ShapeStar: {}, ShapeDiamond: {},
}

// 几何信息。Rotation 单位是度。
type Geometry struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Rotation float64 `json:"rotation"`
}

type GradientStop struct {
	Offset float64 `json:"offset"`
	Color  string  `json:"color"`
}

type Style struct {
	Fill          string         `json:"fill,omitempty"`
	Opacity       float64        `json:"opacity"`
	GradientStops []GradientStop `json:"gradientStops,omitempty"`
}

// 锁子记录，嵌在实体里。
// 不变式：任一时刻要么无人持锁，要么恰好一个 actor 持锁且 lockedAt 不早于 TTL
// （除非已被后来者按超时规则偷走）。
type LockInfo struct {
	IsLocked bool   `json:"isLocked"`
	LockedBy string `json:"lockedBy,omitempty"`
	LockedAt int64  `json:"lockedAt,omitempty"` // Unix 毫秒，存储侧时间
}

type Entity struct {
	ID       string    `json:"id"`
	Type     ShapeType `json:"type"`
	Geometry Geometry  `json:"geometry"`
	Style    Style     `json:"style"`
	// z 序：创建时取 max(现有)+1，允许不连续
	ZIndex int      `json:"zIndex"`
	Lock   LockInfo `json:"lock"`

	CreatedBy      string    `json:"createdBy,omitempty"`
	CreatedAt      time.Time `json:"createdAt,omitempty"`
	LastModifiedBy string    `json:"lastModifiedBy,omitempty"`
	LastModifiedAt time.Time `json:"lastModifiedAt,omitempty"`
}

// 临时 transform 广播记录（非持久化，操作结束或断线即删）。
// 注意 Width/Height 是指针：只有 resize 操作才带尺寸。
type TransformBroadcast struct {
	ActorID     string   `json:"actorId"`
	DisplayName string   `json:"displayName"`
	X           float64  `json:"x"`
	Y           float64  `json:"y"`
	Rotation    float64  `json:"rotation"`
	Width       *float64 `json:"width,omitempty"`
	Height      *float64 `json:"height,omitempty"`
	Timestamp   int64    `json:"timestamp"` // Unix 毫秒
}

// 超过这个年龄的广播记录对观察方视为过期，直接忽略
const TransformStaleAfter = 300 * time.Millisecond

var (
	ErrInvalidShapeType = errors.New("INVALID_SHAPE_TYPE")
	ErrInvalidGeometry  = errors.New("INVALID_GEOMETRY")
	ErrInvalidColor     = errors.New("INVALID_COLOR")
	ErrInvalidOpacity   = errors.New("INVALID_OPACITY")
	ErrEntityNotFound   = errors.New("ENTITY_NOT_FOUND")
)

var hexColorRe = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6}|[0-9a-fA-F]{8})$`)

// 画布坐标的合法范围
const coordLimit = 1_000_000

// ValidateEntity 做完整校验。create 路径校验失败硬拒绝；
// update 路径只把这里的错误打成 warning（见 Repository.UpdateEntity）。
func ValidateEntity(e *Entity) error {
	if _, ok := validShapeTypes[e.Type]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidShapeType, e.Type)
	}
	g := e.Geometry
	if !finite(g.X) || !finite(g.Y) || !finite(g.Width) || !finite(g.Height) || !finite(g.Rotation) {
		return fmt.Errorf("%w: non-finite value", ErrInvalidGeometry)
	}
	if math.Abs(g.X) > coordLimit || math.Abs(g.Y) > coordLimit {
		return fmt.Errorf("%w: coordinates out of range (%.2f, %.2f)", ErrInvalidGeometry, g.X, g.Y)
	}
	if g.Width < 0 || g.Height < 0 {
		return fmt.Errorf("%w: negative size %.2fx%.2f", ErrInvalidGeometry, g.Width, g.Height)
	}
	// 宽高为零只允许退化的线段
	if (g.Width == 0 || g.Height == 0) && e.Type != ShapeLine {
		return fmt.Errorf("%w: zero size only permitted for line entities", ErrInvalidGeometry)
	}
	if e.Style.Fill != "" && !hexColorRe.MatchString(e.Style.Fill) {
		return fmt.Errorf("%w: %q", ErrInvalidColor, e.Style.Fill)
	}
	for _, stop := range e.Style.GradientStops {
		if stop.Color != "" && !hexColorRe.MatchString(stop.Color) {
			return fmt.Errorf("%w: gradient stop %q", ErrInvalidColor, stop.Color)
		}
	}
	if e.Style.Opacity < 0 || e.Style.Opacity > 1 {
		return fmt.Errorf("%w: %.2f", ErrInvalidOpacity, e.Style.Opacity)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
