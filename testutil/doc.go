// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package testutil 提供 flowguard 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext
  - 异步断言: AssertEventuallyTrue / WaitFor / WaitForChannel
  - 存储契约: RunStoreSuite 对任意 workflow.Store 实现跑同一组用例，
    内存、GORM、Redis、MongoDB 存储共用

# 子包

  - testutil/mocks: MockInvoker（可注入错误的步骤调用器）、
    MockMetrics（记录指标调用）
  - testutil/fixtures: 预置工作流定义

# 使用示例

	testutil.RunStoreSuite(t, func(t *testing.T) workflow.Store {
		return workflow.NewMemoryStore()
	})
*/
package testutil
