// Copyright (c) VoxFlow Authors.
// Licensed under the MIT License.

/*
包 cache 提供基于 Redis 的键值与列表操作，供会话快照持久化使用。

# 核心类型

  - Manager：持有 go-redis 客户端，提供 Get/Set/GetJSON/SetJSON/Delete，
    以及 PushCapped/Range 用于维护定长的最近记录列表。
    Manager 同时实现 Name/Check，可直接注册为就绪检查。

# 错误语义

ErrCacheMiss 表示键不存在，ErrClosed 表示管理器已关闭。
*/
package cache
