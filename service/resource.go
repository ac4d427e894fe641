package service

import "strings"

// ResourceKind 资源定位方式。只在边界处分类一次，
// 下游按 Kind 分支，不再到处做字符串前缀判断。
type ResourceKind int

const (
	ResourceNone ResourceKind = iota
	ResourceLocalPath
	ResourceRemoteURL
	ResourceInlineData
)

// ResourceRef 一个已分类的资源引用（本地路径 / 远端 URL / 内联 base64）
type ResourceRef struct {
	Kind  ResourceKind
	Value string
}

func (r ResourceRef) IsZero() bool {
	return r.Kind == ResourceNone || r.Value == ""
}

// ClassifyResource 按形态分类资源字符串
func ClassifyResource(s string) ResourceRef {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return ResourceRef{Kind: ResourceNone}
	case strings.HasPrefix(s, "data:"):
		return ResourceRef{Kind: ResourceInlineData, Value: s}
	case strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://"):
		return ResourceRef{Kind: ResourceRemoteURL, Value: s}
	default:
		return ResourceRef{Kind: ResourceLocalPath, Value: s}
	}
}
